package supervisor

import (
	"context"
	"errors"

	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/metrics"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/provisioner"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
)

// reapDead terminates workers that stopped heartbeating, or whose
// instance died before the agent registered, and requeues what they held
func (s *Supervisor) reapDead(ctx context.Context) {
	stale, err := s.store.ListStaleWorkers(ctx, s.cfg.HeartbeatTimeout,
		models.WorkerStatusIdle, models.WorkerStatusBusy, models.WorkerStatusDraining)
	if err != nil {
		klog.ErrorS(err, "Failed to list stale workers")
	}
	for _, w := range stale {
		s.terminateDead(ctx, w, metrics.HeartbeatTimeout)
	}

	stuck, err := s.store.ListStaleWorkers(ctx, s.cfg.ProvisionTimeout, models.WorkerStatusProvisioning)
	if err != nil {
		klog.ErrorS(err, "Failed to list stuck provisioning workers")
	}
	handled := make(map[string]bool, len(stuck))
	for _, w := range stuck {
		handled[w.ID] = true
		s.terminateDead(ctx, w, metrics.ProvisionTimeout)
	}

	provisioning, err := s.store.ListWorkers(ctx, store.WorkerFilter{Statuses: []models.WorkerStatus{models.WorkerStatusProvisioning}})
	if err != nil {
		klog.ErrorS(err, "Failed to list provisioning workers")
		return
	}
	for _, w := range provisioning {
		instanceID := s.instanceOf(w)
		if handled[w.ID] || instanceID == "" {
			continue
		}
		status, err := s.provisioner.Status(ctx, instanceID)
		if err != nil && !errors.Is(err, provisioner.ErrInstanceNotFound) {
			klog.V(2).InfoS("Instance status unavailable", "worker", w.ID, "instance", instanceID, "err", err)
			continue
		}
		if status == provisioner.InstanceStopped || errors.Is(err, provisioner.ErrInstanceNotFound) {
			s.terminateDead(ctx, w, metrics.InstanceStopped)
		}
	}
}

// terminateDead requeues the worker's job, stops its instance and only then
// marks it terminated. A failed stop leaves the worker for the next tick.
func (s *Supervisor) terminateDead(ctx context.Context, w *models.Worker, reason metrics.DeadReason) {
	if w.CurrentJobID != "" {
		status, ok, err := s.store.RequeueJob(ctx, w.CurrentJobID, w.ID, s.cfg.MaxRetries, "worker "+string(reason))
		switch {
		case err != nil:
			klog.ErrorS(err, "Failed to requeue job of dead worker", "worker", w.ID, "job", w.CurrentJobID)
			return
		case ok:
			klog.InfoS("Recovered job from dead worker", "worker", w.ID, "job", w.CurrentJobID, "status", status)
		}
	}

	instanceID := s.instanceOf(w)
	if err := s.provisioner.Stop(ctx, instanceID); err != nil {
		klog.ErrorS(err, "Failed to stop instance of dead worker", "worker", w.ID, "instance", instanceID)
		return
	}

	ok, err := s.store.UpdateWorkerStatus(ctx, w.ID, models.LiveWorkerStatuses, models.WorkerStatusTerminated)
	if err != nil {
		klog.ErrorS(err, "Failed to terminate dead worker", "worker", w.ID)
		return
	}
	if ok {
		metrics.DeadWorker(reason)
		klog.InfoS("Terminated dead worker", "worker", w.ID, "instance", instanceID, "reason", reason,
			"last_heartbeat", w.LastHeartbeat)
	}
}

// reapDrained stops the instances of draining workers that hold no job
func (s *Supervisor) reapDrained(ctx context.Context) {
	draining, err := s.store.ListWorkers(ctx, store.WorkerFilter{Statuses: []models.WorkerStatus{models.WorkerStatusDraining}})
	if err != nil {
		klog.ErrorS(err, "Failed to list draining workers")
		return
	}

	for _, w := range draining {
		if w.CurrentJobID != "" {
			continue
		}
		instanceID := s.instanceOf(w)
		if err := s.provisioner.Stop(ctx, instanceID); err != nil {
			klog.ErrorS(err, "Failed to stop drained instance", "worker", w.ID, "instance", instanceID)
			continue
		}
		ok, err := s.store.UpdateWorkerStatus(ctx, w.ID, []models.WorkerStatus{models.WorkerStatusDraining}, models.WorkerStatusTerminated)
		if err != nil {
			klog.ErrorS(err, "Failed to terminate drained worker", "worker", w.ID)
			continue
		}
		if ok {
			klog.InfoS("Terminated drained worker", "worker", w.ID, "instance", instanceID)
		}
	}
}

// sweepJobs fails jobs over the retry limit and requeues jobs whose holder is gone
func (s *Supervisor) sweepJobs(ctx context.Context) {
	n, err := s.store.FailExhaustedJobs(ctx, s.cfg.MaxRetries)
	if err != nil {
		klog.ErrorS(err, "Failed to fail exhausted jobs")
	} else if n > 0 {
		klog.InfoS("Failed jobs over the retry limit", "count", n, "max_retries", s.cfg.MaxRetries)
	}

	orphans, err := s.store.ListOrphanedJobs(ctx)
	if err != nil {
		klog.ErrorS(err, "Failed to list orphaned jobs")
		return
	}
	for _, job := range orphans {
		status, ok, err := s.store.RequeueJob(ctx, job.ID, job.WorkerID, s.cfg.MaxRetries, "worker lost")
		if err != nil {
			klog.ErrorS(err, "Failed to requeue orphaned job", "job", job.ID)
			continue
		}
		if ok {
			klog.InfoS("Requeued orphaned job", "job", job.ID, "worker", job.WorkerID, "status", status)
		}
	}
}

// instanceOf returns the worker's recorded instance, falling back to the
// name the provider derives when the record was never written
func (s *Supervisor) instanceOf(w *models.Worker) string {
	if w.InstanceID != "" {
		return w.InstanceID
	}
	return provisioner.InstanceFor(s.provisioner, w.ID)
}

// checkInstances compares the provider's live instance count with the live
// worker records. Instances past that count belong to no worker and are
// only reported; stopping them needs an operator.
func (s *Supervisor) checkInstances(ctx context.Context, workers map[models.Pool][]*models.Worker) {
	counter, ok := s.provisioner.(provisioner.Counter)
	if !ok {
		return
	}
	active, err := counter.CountActive(ctx)
	if errors.Is(err, provisioner.ErrCountUnsupported) {
		return
	}
	if err != nil {
		klog.V(1).InfoS("Instance count unavailable", "err", err)
		return
	}

	live := 0
	for _, ws := range workers {
		live += len(ws)
	}
	orphaned := max(active-live, 0)
	metrics.OrphanedInstances(orphaned)
	if orphaned > 0 {
		klog.InfoS("Instances running without a live worker", "instances", active, "workers", live, "orphaned", orphaned)
	}
}
