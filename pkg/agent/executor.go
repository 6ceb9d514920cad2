package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/container"
	"github.com/mimir-aip/mimir-fleet/pkg/metrics"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/notify"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
)

const (
	containerWorkDir    = "/workspace"
	containerSecretsDir = "/run/secrets/fleet"

	reasonCanceled = "canceled"
	reasonLost     = "lost ownership"
)

// scope holds the per-job host resources
type scope struct {
	dir        string
	workDir    string
	secretsDir string
}

// prepare creates the job's work and secrets directories. Secrets are
// written one file per name, readable by the owner only.
func (a *Agent) prepare(ctx context.Context, job *models.Job) (*scope, error) {
	dir, err := os.MkdirTemp(a.cfg.WorkDir, "job-"+job.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}
	s := &scope{
		dir:        dir,
		workDir:    filepath.Join(dir, "work"),
		secretsDir: filepath.Join(dir, "secrets"),
	}
	if err := os.MkdirAll(s.workDir, 0755); err != nil {
		s.release()
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	if err := os.MkdirAll(s.secretsDir, 0700); err != nil {
		s.release()
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}

	secrets, err := a.store.ListSecrets(ctx, job.OrgID)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	for name, value := range secrets {
		if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
			klog.Warningf("Skipping secret with invalid name %q for org %s", name, job.OrgID)
			continue
		}
		if err := os.WriteFile(filepath.Join(s.secretsDir, name), []byte(value), 0600); err != nil {
			s.release()
			return nil, fmt.Errorf("failed to write secret %s: %w", name, err)
		}
	}
	return s, nil
}

func (s *scope) release() {
	if err := os.RemoveAll(s.dir); err != nil {
		klog.ErrorS(err, "Failed to remove job directory", "dir", s.dir)
	}
}

// openLog opens <log_dir>/<job>.log for appending
func (a *Agent) openLog(jobID string) (*os.File, error) {
	if err := os.MkdirAll(a.cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(a.cfg.LogDir, jobID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open job log: %w", err)
	}
	return f, nil
}

func (a *Agent) runSpec(job *models.Job, s *scope) container.RunSpec {
	env := make(map[string]string, len(job.Env)+4)
	for k, v := range job.Env {
		env[k] = v
	}
	env["JOB_ID"] = job.ID
	env["ORG_ID"] = job.OrgID
	env["WORK_DIR"] = containerWorkDir
	env["SECRETS_DIR"] = containerSecretsDir

	gpus := job.Resources.GPUCount
	if gpus == 0 {
		gpus = a.cfg.Resources.GPUCount
	}
	return container.RunSpec{
		Name:     "fleet-job-" + job.ID,
		Image:    job.Image,
		Command:  job.Command,
		Env:      env,
		GPUCount: gpus,
		MemoryMB: job.Resources.MemoryMB,
		Mounts: []container.Mount{
			{Source: s.workDir, Target: containerWorkDir},
			{Source: s.secretsDir, Target: containerSecretsDir, ReadOnly: true},
		},
	}
}

// execute runs a claimed job to an outcome and frees the worker. Every
// exit path releases the job's scoped resources and the worker.
func (a *Agent) execute(ctx context.Context, job *models.Job, hints <-chan notify.Event) {
	start := a.clock.Now()
	defer a.release(ctx, job.ID)

	ok, err := a.store.UpdateJobStatus(ctx, job.ID, models.JobStatusClaimed, models.JobStatusRunning,
		store.JobFields{WorkerID: a.cfg.WorkerID})
	if err != nil {
		klog.ErrorS(err, "Failed to start job", "worker", a.cfg.WorkerID, "job", job.ID)
		a.requeue(ctx, job, "failed to start: "+err.Error(), start)
		return
	}
	if !ok {
		// canceled or reassigned between claim and start
		klog.InfoS("Job no longer held, skipping", "worker", a.cfg.WorkerID, "job", job.ID)
		return
	}

	s, err := a.prepare(ctx, job)
	if err != nil {
		klog.ErrorS(err, "Failed to prepare job", "worker", a.cfg.WorkerID, "job", job.ID)
		a.requeue(ctx, job, err.Error(), start)
		return
	}
	defer s.release()

	logs, err := a.openLog(job.ID)
	if err != nil {
		klog.ErrorS(err, "Failed to open job log", "worker", a.cfg.WorkerID, "job", job.ID)
		a.requeue(ctx, job, err.Error(), start)
		return
	}
	defer logs.Close()

	klog.InfoS("Running job", "worker", a.cfg.WorkerID, "job", job.ID, "image", job.Image, "retry", job.RetryCount)

	runCtx, cancelRun := context.WithCancel(ctx)
	watched := make(chan string, 1)
	go func() {
		watched <- a.watchJob(runCtx, job.ID, hints, cancelRun)
	}()

	exitCode, runErr := a.runtime.Run(runCtx, a.runSpec(job, s), logs)
	cancelRun()
	reason := <-watched

	switch {
	case reason == reasonCanceled:
		klog.InfoS("Job canceled, container stopped", "worker", a.cfg.WorkerID, "job", job.ID)
		metrics.JobFinished(string(job.Kind), metrics.Canceled, start)
	case reason == reasonLost:
		klog.InfoS("Job reassigned away from this worker, container stopped", "worker", a.cfg.WorkerID, "job", job.ID)
	case ctx.Err() != nil:
		a.requeue(ctx, job, "worker shutting down", start)
	case runErr == nil && exitCode == 0:
		a.complete(ctx, job, start)
	case runErr != nil:
		a.requeue(ctx, job, "container error: "+runErr.Error(), start)
	default:
		a.requeue(ctx, job, fmt.Sprintf("exit code %d", exitCode), start)
	}
}

// watchJob polls the job every CancelPollInterval, or sooner on a cancel
// hint, and stops the run once the job is canceled or no longer held
func (a *Agent) watchJob(ctx context.Context, jobID string, hints <-chan notify.Event, stop context.CancelFunc) string {
	ticker := a.clock.NewTicker(a.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ""
		case ev, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			if ev.Type != notify.EventCanceled || ev.JobID != jobID {
				continue
			}
		case <-ticker.C():
		}

		job, err := a.store.GetJob(ctx, jobID)
		if err != nil {
			if ctx.Err() == nil {
				klog.V(1).InfoS("Cancel poll failed", "job", jobID, "err", err)
			}
			continue
		}
		switch {
		case job.Status == models.JobStatusCanceled:
			stop()
			return reasonCanceled
		case job.Status != models.JobStatusRunning || job.WorkerID != a.cfg.WorkerID:
			stop()
			return reasonLost
		}
	}
}

func (a *Agent) complete(ctx context.Context, job *models.Job, start time.Time) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	exitCode := 0
	ok, err := a.store.UpdateJobStatus(cctx, job.ID, models.JobStatusRunning, models.JobStatusCompleted,
		store.JobFields{WorkerID: a.cfg.WorkerID, ExitCode: &exitCode})
	if err != nil {
		klog.ErrorS(err, "Failed to record completion", "worker", a.cfg.WorkerID, "job", job.ID)
		return
	}
	if !ok {
		klog.InfoS("Job finished after losing ownership, result dropped", "worker", a.cfg.WorkerID, "job", job.ID)
		return
	}
	metrics.JobFinished(string(job.Kind), metrics.Completed, start)
	klog.InfoS("Job completed", "worker", a.cfg.WorkerID, "job", job.ID, "duration", a.clock.Since(start))
}

// requeue returns the job to its queue, or fails it once out of retries
func (a *Agent) requeue(ctx context.Context, job *models.Job, reason string, start time.Time) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	status, ok, err := a.store.RequeueJob(cctx, job.ID, a.cfg.WorkerID, a.cfg.MaxRetries, reason)
	if err != nil {
		klog.ErrorS(err, "Failed to requeue job", "worker", a.cfg.WorkerID, "job", job.ID)
		return
	}
	if !ok {
		return
	}

	result := metrics.Requeued
	if status == models.JobStatusFailed {
		result = metrics.Failed
	}
	metrics.JobFinished(string(job.Kind), result, start)
	klog.InfoS("Job did not succeed", "worker", a.cfg.WorkerID, "job", job.ID, "reason", reason, "status", status)
}

// release frees the worker from jobID: idle, or draining when requested
func (a *Agent) release(ctx context.Context, jobID string) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	status, err := a.store.ReleaseWorker(cctx, a.cfg.WorkerID, jobID)
	if err != nil {
		klog.ErrorS(err, "Failed to release worker", "worker", a.cfg.WorkerID, "job", jobID)
		if errors.Is(err, store.ErrNotFound) {
			a.markDraining()
		}
		return
	}
	a.setState(StateIdle)
	if status == models.WorkerStatusDraining {
		a.markDraining()
	}
}

// cleanupContext keeps store writes alive after ctx is cancelled so a
// stopping agent can still hand its job back
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
