package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/metrics"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/provisioner"
)

// ProvisionError reports a worker abandoned after exhausting its start attempts
type ProvisionError struct {
	Pool     models.Pool
	WorkerID string
	Attempts int
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s worker %s failed after %d attempts: %v", e.Pool, e.WorkerID, e.Attempts, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// errNoProfile is returned for pools whose kind has no instance profile
var errNoProfile = errors.New("no instance profile for job kind")

// provisionWorker records a provisioning worker and starts its instance.
// On failure the record is terminated so it never counts as capacity.
func (s *Supervisor) provisionWorker(ctx context.Context, pool models.Pool) error {
	profile, ok := s.cfg.Kinds[pool.Kind]
	if !ok {
		return &ProvisionError{Pool: pool, Err: errNoProfile}
	}
	image := profile.Image
	if image == "" {
		image = s.cfg.AgentImage
	}

	w := &models.Worker{
		ID:        uuid.New().String(),
		OrgID:     pool.OrgID,
		Kind:      pool.Kind,
		Status:    models.WorkerStatusProvisioning,
		Image:     image,
		Resources: profile.Resources(),
	}
	if err := s.store.CreateWorker(ctx, w); err != nil {
		return &ProvisionError{Pool: pool, Err: err}
	}

	spec := provisioner.InstanceSpec{
		WorkerID:  w.ID,
		OrgID:     w.OrgID,
		Kind:      w.Kind,
		Image:     image,
		Resources: w.Resources,
		Env:       s.cfg.AgentEnv,
	}
	instanceID, attempts, err := s.startWithRetry(ctx, spec)
	if err != nil {
		metrics.ProvisionFailure(string(pool.Kind))
		// a timed out Start may still have created the instance
		if derived := provisioner.InstanceFor(s.provisioner, w.ID); derived != "" {
			if serr := s.provisioner.Stop(ctx, derived); serr != nil {
				klog.ErrorS(serr, "Failed to stop abandoned instance", "worker", w.ID, "instance", derived)
			}
		}
		if _, uerr := s.store.UpdateWorkerStatus(ctx, w.ID, []models.WorkerStatus{models.WorkerStatusProvisioning}, models.WorkerStatusTerminated); uerr != nil {
			klog.ErrorS(uerr, "Failed to terminate abandoned worker", "worker", w.ID)
		}
		return &ProvisionError{Pool: pool, WorkerID: w.ID, Attempts: attempts, Err: err}
	}

	if err := s.store.SetWorkerInstance(ctx, w.ID, instanceID); err != nil {
		// the agent reports INSTANCE_ID when it registers
		klog.ErrorS(err, "Failed to record instance", "worker", w.ID, "instance", instanceID)
	}
	klog.InfoS("Provisioned worker", "worker", w.ID, "instance", instanceID, "pool", pool, "attempts", attempts)
	return nil
}

// startWithRetry calls Start up to ProvisionMaxAttempts times with
// exponential backoff between attempts
func (s *Supervisor) startWithRetry(ctx context.Context, spec provisioner.InstanceSpec) (string, int, error) {
	backoff := wait.Backoff{
		Duration: s.cfg.ProvisionBackoff,
		Factor:   2,
		Cap:      s.cfg.ProvisionBackoffCap,
		Steps:    s.cfg.ProvisionMaxAttempts,
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.ProvisionMaxAttempts; attempt++ {
		metrics.ProvisionAttempt(string(spec.Kind))
		instanceID, err := s.provisioner.Start(ctx, spec)
		if err == nil {
			return instanceID, attempt, nil
		}
		lastErr = err
		klog.V(1).InfoS("Start attempt failed", "worker", spec.WorkerID, "attempt", attempt, "err", err)

		if attempt == s.cfg.ProvisionMaxAttempts {
			return "", attempt, lastErr
		}
		select {
		case <-s.clock.After(backoff.Step()):
		case <-ctx.Done():
			return "", attempt, ctx.Err()
		}
	}
	return "", s.cfg.ProvisionMaxAttempts, lastErr
}
