package agent

import (
	"context"
	"fmt"
	"math"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/metrics"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/notify"
)

// pollBackoff doubles from PollInterval up to PollMaxInterval and stays there
func (a *Agent) pollBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: a.cfg.PollInterval,
		Factor:   2,
		Cap:      a.cfg.PollMaxInterval,
		Steps:    math.MaxInt32,
	}
}

// claimLoop claims and executes one job at a time until draining or ctx is done
func (a *Agent) claimLoop(ctx context.Context, hints <-chan notify.Event) error {
	backoff := a.pollBackoff()

	for {
		if ctx.Err() != nil || a.isDraining() {
			return nil
		}

		job, err := a.claimNext(ctx)
		if err != nil && ctx.Err() == nil {
			klog.ErrorS(err, "Claim failed", "worker", a.cfg.WorkerID)
		}
		if job != nil {
			a.execute(ctx, job, hints)
			backoff = a.pollBackoff()
			continue
		}

		if !a.waitForWork(ctx, backoff.Step(), hints) {
			return nil
		}
	}
}

// waitForWork sleeps until the next poll, an enqueue hint or a drain.
// It returns false once ctx is done.
func (a *Agent) waitForWork(ctx context.Context, d time.Duration, hints <-chan notify.Event) bool {
	timer := a.clock.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-a.wake:
			return true
		case <-timer.C():
			return true
		case ev, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			if ev.Type == notify.EventEnqueued {
				klog.V(2).InfoS("Woken by enqueue hint", "worker", a.cfg.WorkerID, "job", ev.JobID)
				return true
			}
		}
	}
}

// claimNext tries the pool's oldest queued jobs that fit this worker in
// order. A lost race moves on to the next candidate.
func (a *Agent) claimNext(ctx context.Context) (*models.Job, error) {
	candidates, err := a.store.ListQueued(ctx, a.cfg.OrgID, a.cfg.Kind, a.cfg.ClaimBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}

	for _, job := range candidates {
		if !job.Resources.Fits(a.cfg.Resources) {
			klog.V(2).InfoS("Skipping job that does not fit", "worker", a.cfg.WorkerID, "job", job.ID,
				"gpus", job.Resources.GPUCount, "memory_mb", job.Resources.MemoryMB)
			continue
		}
		ok, err := a.store.TryClaim(ctx, job.ID, a.cfg.WorkerID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		if !ok {
			metrics.ClaimConflict()
			continue
		}

		metrics.Claim()
		a.setState(StateBusy)
		job.Status = models.JobStatusClaimed
		job.WorkerID = a.cfg.WorkerID
		klog.V(1).InfoS("Claimed job", "worker", a.cfg.WorkerID, "job", job.ID)
		return job, nil
	}
	return nil, nil
}
