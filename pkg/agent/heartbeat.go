package agent

import (
	"context"
	"errors"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/metrics"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

// heartbeatAttempts is how many times a beat is tried within one period
const heartbeatAttempts = 3

// heartbeat beats every HeartbeatInterval until ctx is done. It runs apart
// from job execution so a long job never delays a beat.
func (a *Agent) heartbeat(ctx context.Context, stop context.CancelFunc) error {
	ticker := a.clock.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.V(1).InfoS("Heartbeat exiting", "worker", a.cfg.WorkerID)
			return nil
		case <-ticker.C():
		}

		status, err := a.beat(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.HeartbeatFailure()
			klog.ErrorS(err, "Failed heartbeat", "worker", a.cfg.WorkerID, "attempts", heartbeatAttempts)
			continue
		}

		switch status {
		case models.WorkerStatusDraining:
			a.markDraining()
		case models.WorkerStatusTerminated:
			a.terminate(stop)
			return nil
		}
	}
}

// beat records one heartbeat, retrying failures with exponential backoff
// inside the heartbeat period
func (a *Agent) beat(ctx context.Context) (models.WorkerStatus, error) {
	backoff := wait.Backoff{
		Duration: a.cfg.HeartbeatInterval / 10,
		Factor:   2,
		Steps:    heartbeatAttempts,
	}

	var (
		status  models.WorkerStatus
		lastErr error
	)
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		s, err := a.store.Heartbeat(ctx, a.cfg.WorkerID, a.clock.Now())
		if err != nil {
			lastErr = err
			klog.V(1).InfoS("Heartbeat attempt failed", "worker", a.cfg.WorkerID, "err", err)
			return false, nil
		}
		status = s
		return true, nil
	})
	if err != nil {
		if lastErr != nil && !errors.Is(err, context.Canceled) {
			return "", lastErr
		}
		return "", err
	}
	return status, nil
}
