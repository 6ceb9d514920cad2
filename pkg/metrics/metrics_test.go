package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(claimConflictCount)
	ClaimConflict()
	ClaimConflict()
	if got := testutil.ToFloat64(claimConflictCount) - before; got != 2 {
		t.Errorf("Expected 2 claim conflicts, got %v", got)
	}

	DeadWorker(HeartbeatTimeout)
	if got := testutil.ToFloat64(deadWorkerCount.WithLabelValues(string(HeartbeatTimeout))); got < 1 {
		t.Errorf("Expected dead worker counter to increase, got %v", got)
	}
}

func TestPoolGaugesReset(t *testing.T) {
	UnmetDemand("acme", "train", 3)
	QueuedJobs("acme", "train", 7)
	if got := testutil.ToFloat64(unmetDemand.WithLabelValues("acme", "train")); got != 3 {
		t.Errorf("Expected unmet demand 3, got %v", got)
	}

	ResetPoolGauges()
	if n := testutil.CollectAndCount(queuedJobs); n != 0 {
		t.Errorf("Expected no queued series after reset, got %d", n)
	}
}

func TestDurations(t *testing.T) {
	TickDuration(time.Now().Add(-time.Second))
	JobFinished("infer", Completed, time.Now().Add(-time.Minute))
	if n := testutil.CollectAndCount(jobDuration); n == 0 {
		t.Error("Expected a job duration series")
	}
}

func TestAPIRequestAndOrphanedInstances(t *testing.T) {
	APIRequest("/api/jobs/{id}", "GET", 404, time.Now())
	if got := testutil.ToFloat64(apiRequestCount.WithLabelValues("/api/jobs/{id}", "GET", "404")); got < 1 {
		t.Errorf("Expected API request counter to increase, got %v", got)
	}

	OrphanedInstances(2)
	if got := testutil.ToFloat64(orphanedInstances); got != 2 {
		t.Errorf("Expected 2 orphaned instances, got %v", got)
	}
	OrphanedInstances(0)
}
