package container

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDockerRunArgs(t *testing.T) {
	d := NewDockerRuntime()
	args := d.runArgs(RunSpec{
		Name:     "job-1",
		Image:    "registry.local/train:1",
		Command:  []string{"python", "train.py"},
		Env:      map[string]string{"B": "2", "A": "1"},
		GPUCount: 4,
		MemoryMB: 2048,
		Mounts: []Mount{
			{Source: "/tmp/work", Target: "/workspace"},
			{Source: "/tmp/secrets", Target: "/run/secrets", ReadOnly: true},
		},
	})

	want := []string{
		"run", "--rm", "--name", "job-1",
		"--gpus", "4",
		"--memory", "2048m",
		"-v", "/tmp/work:/workspace",
		"-v", "/tmp/secrets:/run/secrets:ro",
		"-e", "A=1",
		"-e", "B=2",
		"registry.local/train:1", "python", "train.py",
	}
	assert.Equal(t, want, args)
}

// writeScript creates a stand-in docker binary
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestDockerRunExitCode(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	d := &DockerRuntime{Binary: writeScript(t, `[ "$1" = "rm" ] && exit 0
echo "epoch 1"
exit 3
`)}

	var logs bytes.Buffer
	code, err := d.Run(context.Background(), RunSpec{Name: "job-2", Image: "img"}, &logs)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, logs.String(), "epoch 1")
}

func TestDockerRunCancel(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	marker := filepath.Join(t.TempDir(), "removed")
	d := &DockerRuntime{Binary: writeScript(t, `if [ "$1" = "rm" ]; then touch `+marker+`; exit 0; fi
exec sleep 30
`)}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.Run(ctx, RunSpec{Name: "job-3", Image: "img"}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "container must be force-removed after cancellation")
}

func TestFakeRuntime(t *testing.T) {
	wait := make(chan struct{})
	f := NewFakeRuntime(FakeResult{ExitCode: 1, Output: "boom"}, FakeResult{Wait: wait})

	var logs bytes.Buffer
	code, err := f.Run(context.Background(), RunSpec{Name: "a"}, &logs)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Equal(t, "boom", logs.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.Run(ctx, RunSpec{Name: "b"}, &logs)
		done <- err
	}()
	<-f.Started()
	<-f.Started()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	code, err = f.Run(context.Background(), RunSpec{Name: "c"}, &logs)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Len(t, f.Runs(), 3)
}
