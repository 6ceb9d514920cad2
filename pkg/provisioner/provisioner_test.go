package provisioner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

func TestFakeStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	id, err := f.Start(ctx, InstanceSpec{WorkerID: "w1", OrgID: "acme", Kind: models.JobKindTrain})
	require.NoError(t, err)

	require.NoError(t, f.Stop(ctx, id))
	require.NoError(t, f.Stop(ctx, id))
	require.NoError(t, f.Stop(ctx, "never-started"))

	status, err := f.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, InstanceStopped, status)
	assert.Empty(t, f.Running())

	_, err = f.Status(ctx, "never-started")
	assert.True(t, errors.Is(err, ErrInstanceNotFound))
}

func TestFakeScriptedFailures(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.FailStarts(2)

	for i := 0; i < 2; i++ {
		_, err := f.Start(ctx, InstanceSpec{WorkerID: "w1"})
		assert.ErrorIs(t, err, ErrFakeStart)
	}
	id, err := f.Start(ctx, InstanceSpec{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, 3, f.StartAttempts())
	assert.Equal(t, []string{id}, f.Running())

	spec, ok := f.Spec(id)
	require.True(t, ok)
	assert.Equal(t, "w1", spec.WorkerID)
}

func TestInstanceSpecAgentEnv(t *testing.T) {
	spec := InstanceSpec{
		WorkerID: "w1",
		OrgID:    "acme",
		Kind:     models.JobKindInfer,
		Env:      map[string]string{"DATABASE_URL": "postgres://db", "WORKER_ID": "spoofed"},
	}

	env := spec.AgentEnv()
	assert.Equal(t, "w1", env["WORKER_ID"])
	assert.Equal(t, "acme", env["ORG_ID"])
	assert.Equal(t, "infer", env["JOB_KIND"])
	assert.Equal(t, "postgres://db", env["DATABASE_URL"])
	assert.Equal(t, "spoofed", spec.Env["WORKER_ID"], "spec env must not be mutated")
}

func TestRateLimitedHonoursContext(t *testing.T) {
	f := NewFake()
	r := NewRateLimited(f, 0.001, 1)

	// burst allows the first call through
	_, err := r.Start(context.Background(), InstanceSpec{WorkerID: "w1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Start(ctx, InstanceSpec{WorkerID: "w2"})
	assert.Error(t, err)
	assert.Equal(t, 1, f.StartAttempts())
}

func TestRateLimitedForwardsOptionalCapabilities(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.NameByWorker()
	r := NewRateLimited(f, 100, 10)

	id, err := r.Start(ctx, InstanceSpec{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, id, r.InstanceFor("w1"))
	assert.Equal(t, id, InstanceFor(r, "w1"))

	n, err := r.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a provider with only the base methods
	bare := NewRateLimited(struct{ Provisioner }{f}, 100, 10)
	assert.Empty(t, bare.InstanceFor("w1"))
	_, err = bare.CountActive(ctx)
	assert.ErrorIs(t, err, ErrCountUnsupported)
}

func TestFakeNameByWorkerReusesLiveInstance(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	assert.Empty(t, f.InstanceFor("w1"))

	f.NameByWorker()
	first, err := f.Start(ctx, InstanceSpec{WorkerID: "w1"})
	require.NoError(t, err)
	second, err := f.Start(ctx, InstanceSpec{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, "fake-w1", first)
	assert.Equal(t, first, second)
	assert.Len(t, f.Running(), 1)
}
