// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
)

// Factory returns an empty store reading time from clk
type Factory func(t *testing.T, clk clock.PassiveClock) store.Store

// Epoch is the fake clock's starting time
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	ctx   context.Context
	clock *testingclock.FakeClock
	store store.Store
}

func setup(t *testing.T, newStore Factory) *env {
	t.Helper()
	clk := testingclock.NewFakeClock(Epoch)
	s := newStore(t, clk)
	t.Cleanup(func() { s.Close() })
	return &env{ctx: context.Background(), clock: clk, store: s}
}

func (e *env) job(t *testing.T, orgID string, kind models.JobKind) *models.Job {
	t.Helper()
	job := &models.Job{
		OrgID:   orgID,
		Kind:    kind,
		Image:   "registry.local/train:latest",
		Command: []string{"python", "train.py"},
		Env:     map[string]string{"EPOCHS": "3"},
		Resources: models.ResourceRequirements{
			GPUType:  "a100",
			GPUCount: 1,
		},
	}
	require.NoError(t, e.store.Enqueue(e.ctx, job))
	// distinct created_at values keep FIFO order deterministic
	e.clock.Step(time.Millisecond)
	return job
}

func (e *env) worker(t *testing.T, orgID string, kind models.JobKind, status models.WorkerStatus) *models.Worker {
	t.Helper()
	w := &models.Worker{
		OrgID:  orgID,
		Kind:   kind,
		Status: status,
		Resources: models.ResourceRequirements{
			GPUType:  "a100",
			GPUCount: 8,
		},
	}
	require.NoError(t, e.store.CreateWorker(e.ctx, w))
	return w
}

// RunSuite runs the shared store tests against newStore
func RunSuite(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		run  func(t *testing.T, e *env)
	}{
		{"EnqueueAndGet", testEnqueueAndGet},
		{"ListQueuedFIFO", testListQueuedFIFO},
		{"QueueDepths", testQueueDepths},
		{"TryClaim", testTryClaim},
		{"TryClaimRejects", testTryClaimRejects},
		{"ConcurrentClaims", testConcurrentClaims},
		{"UpdateJobStatus", testUpdateJobStatus},
		{"RequeueJob", testRequeueJob},
		{"CancelJob", testCancelJob},
		{"FailExhaustedJobs", testFailExhaustedJobs},
		{"OrphanedJobs", testOrphanedJobs},
		{"RegisterWorker", testRegisterWorker},
		{"StaleWorkers", testStaleWorkers},
		{"UpdateWorkerStatus", testUpdateWorkerStatus},
		{"DrainAndRelease", testDrainAndRelease},
		{"Organizations", testOrganizations},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, setup(t, newStore))
		})
	}
}

func testEnqueueAndGet(t *testing.T, e *env) {
	job := e.job(t, "acme", models.JobKindTrain)
	require.NotEmpty(t, job.ID)

	got, err := e.store.GetJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, "acme", got.OrgID)
	assert.Equal(t, []string{"python", "train.py"}, got.Command)
	assert.Equal(t, "3", got.Env["EPOCHS"])
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, Epoch.UnixMilli(), got.CreatedAt.UnixMilli())
	assert.Nil(t, got.ClaimedAt)

	_, err = e.store.GetJob(e.ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testListQueuedFIFO(t *testing.T, e *env) {
	t1 := e.job(t, "acme", models.JobKindTrain)
	other := e.job(t, "acme", models.JobKindInfer)
	t2 := e.job(t, "acme", models.JobKindTrain)
	e.job(t, "globex", models.JobKindTrain)
	t3 := e.job(t, "acme", models.JobKindTrain)

	jobs, err := e.store.ListQueued(e.ctx, "acme", models.JobKindTrain, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{t1.ID, t2.ID, t3.ID}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})

	jobs, err = e.store.ListQueued(e.ctx, "acme", models.JobKindTrain, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = e.store.ListQueued(e.ctx, "acme", models.JobKindInfer, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, other.ID, jobs[0].ID)
}

func testQueueDepths(t *testing.T, e *env) {
	first := e.job(t, "acme", models.JobKindTrain)
	e.job(t, "acme", models.JobKindTrain)
	e.job(t, "globex", models.JobKindInfer)

	depths, err := e.store.QueueDepths(e.ctx)
	require.NoError(t, err)
	require.Len(t, depths, 2)

	byPool := make(map[models.Pool]store.QueueDepth)
	for _, d := range depths {
		byPool[d.Pool] = d
	}
	acme := byPool[models.Pool{OrgID: "acme", Kind: models.JobKindTrain}]
	assert.Equal(t, 2, acme.Queued)
	assert.Equal(t, first.CreatedAt.UnixMilli(), acme.OldestCreatedAt.UnixMilli())
	assert.Equal(t, 1, byPool[models.Pool{OrgID: "globex", Kind: models.JobKindInfer}].Queued)
}

func testTryClaim(t *testing.T, e *env) {
	job := e.job(t, "acme", models.JobKindTrain)
	w := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)

	ok, err := e.store.TryClaim(e.ctx, job.ID, w.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := e.store.GetJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusClaimed, got.Status)
	assert.Equal(t, w.ID, got.WorkerID)
	assert.NotNil(t, got.ClaimedAt)

	worker, err := e.store.GetWorker(e.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusBusy, worker.Status)
	assert.Equal(t, job.ID, worker.CurrentJobID)

	// a busy worker cannot claim a second job
	next := e.job(t, "acme", models.JobKindTrain)
	ok, err = e.store.TryClaim(e.ctx, next.ID, w.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testTryClaimRejects(t *testing.T, e *env) {
	job := e.job(t, "acme", models.JobKindTrain)

	otherOrg := e.worker(t, "globex", models.JobKindTrain, models.WorkerStatusIdle)
	otherKind := e.worker(t, "acme", models.JobKindInfer, models.WorkerStatusIdle)
	draining := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusDraining)
	provisioning := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusProvisioning)

	for _, w := range []*models.Worker{otherOrg, otherKind, draining, provisioning} {
		ok, err := e.store.TryClaim(e.ctx, job.ID, w.ID)
		require.NoError(t, err)
		assert.False(t, ok, "worker %s/%s %s must not claim", w.OrgID, w.Kind, w.Status)
	}

	ok, err := e.store.TryClaim(e.ctx, job.ID, "unknown-worker")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := e.store.GetJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Empty(t, got.WorkerID)

	// a job held by one worker cannot be claimed by another
	first := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)
	second := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)
	ok, err = e.store.TryClaim(e.ctx, job.ID, first.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.store.TryClaim(e.ctx, job.ID, second.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	loser, err := e.store.GetWorker(e.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusIdle, loser.Status)
	assert.Empty(t, loser.CurrentJobID)
}

func testConcurrentClaims(t *testing.T, e *env) {
	const numJobs, numWorkers = 4, 8

	jobs := make([]*models.Job, numJobs)
	for i := range jobs {
		jobs[i] = e.job(t, "acme", models.JobKindTrain)
	}
	workers := make([]*models.Worker, numWorkers)
	for i := range workers {
		workers[i] = e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)
	}

	var (
		mu     sync.Mutex
		wins   = make(map[string][]string) // job -> winners
		held   = make(map[string]int)      // worker -> jobs won
		wg     sync.WaitGroup
		errs   []error
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *models.Worker) {
			defer wg.Done()
			for _, job := range jobs {
				ok, err := e.store.TryClaim(e.ctx, job.ID, w.ID)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				}
				if ok {
					wins[job.ID] = append(wins[job.ID], w.ID)
					held[w.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Empty(t, errs)
	for _, job := range jobs {
		require.Len(t, wins[job.ID], 1, "job %s must have exactly one holder", job.ID)

		got, err := e.store.GetJob(e.ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusClaimed, got.Status)
		assert.Equal(t, wins[job.ID][0], got.WorkerID)
	}
	for id, n := range held {
		assert.Equal(t, 1, n, "worker %s holds more than one job", id)
	}
}

func testUpdateJobStatus(t *testing.T, e *env) {
	job := e.job(t, "acme", models.JobKindTrain)
	w := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)
	ok, err := e.store.TryClaim(e.ctx, job.ID, w.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// another worker cannot move the job
	ok, err = e.store.UpdateJobStatus(e.ctx, job.ID, models.JobStatusClaimed, models.JobStatusRunning, store.JobFields{WorkerID: "someone-else"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.store.UpdateJobStatus(e.ctx, job.ID, models.JobStatusClaimed, models.JobStatusRunning, store.JobFields{WorkerID: w.ID})
	require.NoError(t, err)
	require.True(t, ok)

	// stale expectation
	ok, err = e.store.UpdateJobStatus(e.ctx, job.ID, models.JobStatusClaimed, models.JobStatusRunning, store.JobFields{WorkerID: w.ID})
	require.NoError(t, err)
	assert.False(t, ok)

	code := 0
	ok, err = e.store.UpdateJobStatus(e.ctx, job.ID, models.JobStatusRunning, models.JobStatusCompleted, store.JobFields{WorkerID: w.ID, ExitCode: &code})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := e.store.GetJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	_, err = e.store.UpdateJobStatus(e.ctx, job.ID, models.JobStatusCompleted, models.JobStatusRunning, store.JobFields{})
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))
}

func testRequeueJob(t *testing.T, e *env) {
	job := e.job(t, "acme", models.JobKindTrain)
	w := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)

	claim := func() {
		t.Helper()
		// the worker is released between attempts like an agent would
		if cur, err := e.store.GetWorker(e.ctx, w.ID); err == nil && cur.CurrentJobID != "" {
			_, err := e.store.ReleaseWorker(e.ctx, w.ID, cur.CurrentJobID)
			require.NoError(t, err)
		}
		ok, err := e.store.TryClaim(e.ctx, job.ID, w.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	claim()
	// only the holder can requeue
	_, ok, err := e.store.RequeueJob(e.ctx, job.ID, "someone-else", 2, "lost")
	require.NoError(t, err)
	assert.False(t, ok)

	status, ok, err := e.store.RequeueJob(e.ctx, job.ID, w.ID, 2, "exit code 1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusQueued, status)

	got, err := e.store.GetJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.WorkerID)
	assert.Equal(t, "exit code 1", got.ErrorMessage)

	claim()
	status, ok, err = e.store.RequeueJob(e.ctx, job.ID, w.ID, 2, "exit code 1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusQueued, status)

	claim()
	status, ok, err = e.store.RequeueJob(e.ctx, job.ID, w.ID, 2, "exit code 1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusFailed, status)

	got, err = e.store.GetJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.NotNil(t, got.FinishedAt)

	// a queued job cannot be requeued
	queued := e.job(t, "acme", models.JobKindTrain)
	_, ok, err = e.store.RequeueJob(e.ctx, queued.ID, w.ID, 2, "lost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testCancelJob(t *testing.T, e *env) {
	job := e.job(t, "acme", models.JobKindTrain)

	ok, err := e.store.CancelJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := e.store.GetJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, got.Status)

	ok, err = e.store.CancelJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// canceled jobs are never claimable
	w := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)
	ok, err = e.store.TryClaim(e.ctx, job.ID, w.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testFailExhaustedJobs(t *testing.T, e *env) {
	job := e.job(t, "acme", models.JobKindTrain)
	fresh := e.job(t, "acme", models.JobKindTrain)
	w := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)

	for i := 0; i < 3; i++ {
		ok, err := e.store.TryClaim(e.ctx, job.ID, w.ID)
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = e.store.RequeueJob(e.ctx, job.ID, w.ID, 10, "crash")
		require.NoError(t, err)
		require.True(t, ok)
		_, err = e.store.ReleaseWorker(e.ctx, w.ID, job.ID)
		require.NoError(t, err)
	}

	// the limit was lowered after the retries happened
	n, err := e.store.FailExhaustedJobs(e.ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.store.GetJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)

	got, err = e.store.GetJob(e.ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
}

func testOrphanedJobs(t *testing.T, e *env) {
	held := e.job(t, "acme", models.JobKindTrain)
	orphan := e.job(t, "acme", models.JobKindTrain)
	healthy := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)
	dead := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)

	for _, claim := range []struct{ job, worker string }{{held.ID, healthy.ID}, {orphan.ID, dead.ID}} {
		ok, err := e.store.TryClaim(e.ctx, claim.job, claim.worker)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := e.store.UpdateWorkerStatus(e.ctx, dead.ID, []models.WorkerStatus{models.WorkerStatusBusy}, models.WorkerStatusTerminated)
	require.NoError(t, err)
	require.True(t, ok)

	jobs, err := e.store.ListOrphanedJobs(e.ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, orphan.ID, jobs[0].ID)
	assert.Equal(t, dead.ID, jobs[0].WorkerID)
}

func testRegisterWorker(t *testing.T, e *env) {
	// unknown worker registers as idle
	w, err := e.store.RegisterWorker(e.ctx, &models.Worker{ID: "agent-1", OrgID: "acme", Kind: models.JobKindTrain})
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusIdle, w.Status)

	// provisioning record becomes idle and keeps its instance
	prov := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusProvisioning)
	require.NoError(t, e.store.SetWorkerInstance(e.ctx, prov.ID, "pod-1"))
	w, err = e.store.RegisterWorker(e.ctx, &models.Worker{ID: prov.ID, OrgID: "acme", Kind: models.JobKindTrain})
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusIdle, w.Status)
	assert.Equal(t, "pod-1", w.InstanceID)

	// drain requested while provisioning
	flagged := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusProvisioning)
	ok, err := e.store.RequestDrain(e.ctx, flagged.ID)
	require.NoError(t, err)
	require.True(t, ok)
	w, err = e.store.RegisterWorker(e.ctx, &models.Worker{ID: flagged.ID, OrgID: "acme", Kind: models.JobKindTrain})
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusDraining, w.Status)

	// terminated workers cannot come back
	gone := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)
	ok, err = e.store.UpdateWorkerStatus(e.ctx, gone.ID, []models.WorkerStatus{models.WorkerStatusIdle}, models.WorkerStatusTerminated)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = e.store.RegisterWorker(e.ctx, &models.Worker{ID: gone.ID, OrgID: "acme", Kind: models.JobKindTrain})
	assert.True(t, errors.Is(err, store.ErrWorkerTerminated))
}

func testStaleWorkers(t *testing.T, e *env) {
	stale := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)
	fresh := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusBusy)
	prov := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusProvisioning)
	gone := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusTerminated)

	e.clock.Step(3 * time.Minute)
	status, err := e.store.Heartbeat(e.ctx, fresh.ID, e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusBusy, status)

	workers, err := e.store.ListStaleWorkers(e.ctx, 2*time.Minute,
		models.WorkerStatusIdle, models.WorkerStatusBusy, models.WorkerStatusDraining)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, stale.ID, workers[0].ID)

	workers, err = e.store.ListStaleWorkers(e.ctx, 2*time.Minute, models.WorkerStatusProvisioning)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, prov.ID, workers[0].ID)

	// all live statuses by default, never terminated
	workers, err = e.store.ListStaleWorkers(e.ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Len(t, workers, 2)
	for _, w := range workers {
		assert.NotEqual(t, gone.ID, w.ID)
	}

	// heartbeats do not revive terminated workers
	status, err = e.store.Heartbeat(e.ctx, gone.ID, e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusTerminated, status)

	_, err = e.store.Heartbeat(e.ctx, "missing", e.clock.Now())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testUpdateWorkerStatus(t *testing.T, e *env) {
	w := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)

	ok, err := e.store.UpdateWorkerStatus(e.ctx, w.ID, []models.WorkerStatus{models.WorkerStatusBusy}, models.WorkerStatusDraining)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.store.UpdateWorkerStatus(e.ctx, w.ID, []models.WorkerStatus{models.WorkerStatusIdle}, models.WorkerStatusDraining)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := e.store.GetWorker(e.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusDraining, got.Status)
	assert.True(t, got.DrainRequested)

	_, err = e.store.UpdateWorkerStatus(e.ctx, w.ID, []models.WorkerStatus{models.WorkerStatusIdle}, models.WorkerStatusBusy)
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))

	workers, err := e.store.ListWorkers(e.ctx, store.WorkerFilter{Statuses: []models.WorkerStatus{models.WorkerStatusDraining}})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, w.ID, workers[0].ID)
}

func testDrainAndRelease(t *testing.T, e *env) {
	idle := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)
	ok, err := e.store.RequestDrain(e.ctx, idle.ID)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := e.store.GetWorker(e.ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusDraining, got.Status)

	// a busy worker finishes its job before draining
	job := e.job(t, "acme", models.JobKindTrain)
	busy := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)
	ok, err = e.store.TryClaim(e.ctx, job.ID, busy.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.store.RequestDrain(e.ctx, busy.ID)
	require.NoError(t, err)
	require.True(t, ok)
	got, err = e.store.GetWorker(e.ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusBusy, got.Status)
	assert.Equal(t, job.ID, got.CurrentJobID)

	status, err := e.store.ReleaseWorker(e.ctx, busy.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusDraining, status)

	// release without a drain request goes back to idle
	job2 := e.job(t, "acme", models.JobKindTrain)
	plain := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusIdle)
	ok, err = e.store.TryClaim(e.ctx, job2.ID, plain.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// releasing from the wrong job is a no-op
	status, err = e.store.ReleaseWorker(e.ctx, plain.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusBusy, status)

	status, err = e.store.ReleaseWorker(e.ctx, plain.ID, job2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusIdle, status)
	got, err = e.store.GetWorker(e.ctx, plain.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CurrentJobID)

	// terminated workers cannot be drained
	gone := e.worker(t, "acme", models.JobKindTrain, models.WorkerStatusTerminated)
	ok, err = e.store.RequestDrain(e.ctx, gone.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testOrganizations(t *testing.T, e *env) {
	require.NoError(t, e.store.UpsertOrganization(e.ctx, &models.Organization{ID: "acme", Name: "Acme", WorkerQuota: 4}))
	require.NoError(t, e.store.UpsertOrganization(e.ctx, &models.Organization{ID: "globex", Name: "Globex", WorkerQuota: 2}))
	require.NoError(t, e.store.UpsertOrganization(e.ctx, &models.Organization{ID: "acme", Name: "Acme Corp", WorkerQuota: 6}))

	orgs, err := e.store.ListOrganizations(e.ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, "acme", orgs[0].ID)
	assert.Equal(t, "Acme Corp", orgs[0].Name)
	assert.Equal(t, 6, orgs[0].WorkerQuota)

	require.NoError(t, e.store.PutSecret(e.ctx, "acme", "HF_TOKEN", "old"))
	require.NoError(t, e.store.PutSecret(e.ctx, "acme", "HF_TOKEN", "hf_123"))
	require.NoError(t, e.store.PutSecret(e.ctx, "globex", "WANDB_KEY", "w"))

	secrets, err := e.store.ListSecrets(e.ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"HF_TOKEN": "hf_123"}, secrets)

	secrets, err = e.store.ListSecrets(e.ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, secrets)
}

// MustClaim claims jobID for workerID or fails the test
func MustClaim(t *testing.T, s store.Store, jobID, workerID string) {
	t.Helper()
	ok, err := s.TryClaim(context.Background(), jobID, workerID)
	require.NoError(t, err)
	require.True(t, ok, "claim %s by %s", jobID, workerID)
}
