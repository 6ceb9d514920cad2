// Package store is the fleet's client over the shared transactional store.
// Every cross-process coordination decision (who holds a job, which
// workers are alive) is made here through conditional updates; the
// supervisor and agents keep only caches of what they read.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

var (
	// ErrNotFound is returned when a job, worker or organization does not exist
	ErrNotFound = errors.New("not found")

	// ErrWorkerTerminated is returned when a terminated worker tries to come back
	ErrWorkerTerminated = errors.New("worker terminated")

	// ErrInvalidTransition is returned for status changes the lifecycle forbids
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	OrgID    string
	Kind     models.JobKind
	Statuses []models.JobStatus
	WorkerID string
	Limit    int
}

// WorkerFilter narrows ListWorkers. Zero values match everything.
type WorkerFilter struct {
	OrgID    string
	Kind     models.JobKind
	Statuses []models.WorkerStatus
}

// JobFields carries the optional columns written alongside a status change
type JobFields struct {
	// WorkerID, when set, must match the job's current holder
	WorkerID     string
	ExitCode     *int
	ErrorMessage string
}

// QueueDepth is the number of queued jobs in one pool
type QueueDepth struct {
	Pool            models.Pool
	Queued          int
	OldestCreatedAt time.Time
}

// JobStore holds job records and the claim primitive
type JobStore interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// ListQueued returns queued jobs of one pool, oldest first
	ListQueued(ctx context.Context, orgID string, kind models.JobKind, limit int) ([]*models.Job, error)
	QueueDepths(ctx context.Context) ([]QueueDepth, error)

	// TryClaim atomically moves a queued job to claimed and its idle
	// worker to busy. Losing the race returns false with a nil error.
	TryClaim(ctx context.Context, jobID, workerID string) (bool, error)

	// UpdateJobStatus moves a job from an expected status to the next one.
	// A job no longer in the expected status is left untouched and false is returned.
	UpdateJobStatus(ctx context.Context, jobID string, from, to models.JobStatus, fields JobFields) (bool, error)

	// RequeueJob returns a claimed or running job held by workerID to the
	// queue with retry_count+1, or fails it once maxRetries is reached.
	RequeueJob(ctx context.Context, jobID, workerID string, maxRetries int, reason string) (models.JobStatus, bool, error)

	CancelJob(ctx context.Context, jobID string) (bool, error)
	FailExhaustedJobs(ctx context.Context, maxRetries int) (int, error)

	// ListOrphanedJobs returns claimed or running jobs whose holder is not a busy worker holding them
	ListOrphanedJobs(ctx context.Context) ([]*models.Job, error)
}

// WorkerStore holds worker records and heartbeats
type WorkerStore interface {
	CreateWorker(ctx context.Context, worker *models.Worker) error

	// RegisterWorker creates or updates the worker record and marks it idle.
	// Terminated workers are refused with ErrWorkerTerminated.
	RegisterWorker(ctx context.Context, worker *models.Worker) (*models.Worker, error)
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	ListWorkers(ctx context.Context, filter WorkerFilter) ([]*models.Worker, error)

	// Heartbeat records liveness and returns the worker's current status
	Heartbeat(ctx context.Context, workerID string, ts time.Time) (models.WorkerStatus, error)

	// ListStaleWorkers returns workers in one of statuses (all live statuses
	// when empty) whose last heartbeat is older than timeout
	ListStaleWorkers(ctx context.Context, timeout time.Duration, statuses ...models.WorkerStatus) ([]*models.Worker, error)
	UpdateWorkerStatus(ctx context.Context, workerID string, from []models.WorkerStatus, to models.WorkerStatus) (bool, error)
	SetWorkerInstance(ctx context.Context, workerID, instanceID string) error

	// RequestDrain moves an idle worker to draining and flags busy or
	// provisioning workers to drain once they become free
	RequestDrain(ctx context.Context, workerID string) (bool, error)

	// ReleaseWorker frees a busy worker from jobID: back to idle, or to
	// draining when a drain was requested meanwhile
	ReleaseWorker(ctx context.Context, workerID, jobID string) (models.WorkerStatus, error)
}

// OrgStore exposes the tenant data the fleet reads. Writes exist for admin tooling only.
type OrgStore interface {
	UpsertOrganization(ctx context.Context, org *models.Organization) error
	ListOrganizations(ctx context.Context) ([]*models.Organization, error)
	PutSecret(ctx context.Context, orgID, name, value string) error
	ListSecrets(ctx context.Context, orgID string) (map[string]string, error)
}

// Store is the full client used by the supervisor, agents and API
type Store interface {
	JobStore
	WorkerStore
	OrgStore
	Ping(ctx context.Context) error
	Close() error
}
