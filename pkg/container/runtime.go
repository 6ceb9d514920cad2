// Package container runs job containers on the worker's host.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

// Mount binds a host path into the container
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec describes one container run
type RunSpec struct {
	Name     string
	Image    string
	Command  []string
	Env      map[string]string
	GPUCount int
	MemoryMB int64
	Mounts   []Mount
}

// Runtime runs a container to completion and reports its exit code.
// Cancelling ctx tears the container down.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec, logs io.Writer) (int, error)
}

// DockerRuntime runs containers through the docker CLI
type DockerRuntime struct {
	Binary string
}

// NewDockerRuntime creates a runtime using the docker binary on PATH
func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{Binary: "docker"}
}

func (d *DockerRuntime) runArgs(spec RunSpec) []string {
	args := []string{"run", "--rm", "--name", spec.Name}
	if spec.GPUCount > 0 {
		args = append(args, "--gpus", strconv.Itoa(spec.GPUCount))
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryMB))
	}
	for _, m := range spec.Mounts {
		v := m.Source + ":" + m.Target
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

// Run starts the container and waits for it. The container is force-removed
// on every exit path, including cancellation.
func (d *DockerRuntime) Run(ctx context.Context, spec RunSpec, logs io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, d.Binary, d.runArgs(spec)...)
	cmd.Stdout = logs
	cmd.Stderr = logs

	defer d.remove(spec.Name)

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("failed to run container %s: %w", spec.Name, err)
}

// remove force-removes the container; killing the CLI does not stop it
func (d *DockerRuntime) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.Binary, "rm", "-f", name).CombinedOutput()
	if err != nil {
		klog.V(4).InfoS("Container remove", "container", name, "output", string(out), "err", err)
	}
}
