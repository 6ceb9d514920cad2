package models

import "time"

// WorkerStatus represents the lifecycle status of a worker
type WorkerStatus string

const (
	WorkerStatusProvisioning WorkerStatus = "provisioning"
	WorkerStatusIdle         WorkerStatus = "idle"
	WorkerStatusBusy         WorkerStatus = "busy"
	WorkerStatusDraining     WorkerStatus = "draining"
	WorkerStatusTerminated   WorkerStatus = "terminated"
)

// LiveWorkerStatuses are the statuses of workers that still occupy an instance
var LiveWorkerStatuses = []WorkerStatus{
	WorkerStatusProvisioning,
	WorkerStatusIdle,
	WorkerStatusBusy,
	WorkerStatusDraining,
}

// Worker represents one provisioned GPU instance running a worker agent
type Worker struct {
	ID             string               `json:"worker_id"`
	OrgID          string               `json:"org_id"`
	Kind           JobKind              `json:"kind"`
	Status         WorkerStatus         `json:"status"`
	InstanceID     string               `json:"instance_id,omitempty"`
	Image          string               `json:"image,omitempty"`
	Resources      ResourceRequirements `json:"resources"`
	LastHeartbeat  time.Time            `json:"last_heartbeat"`
	CurrentJobID   string               `json:"current_job_id,omitempty"`
	DrainRequested bool                 `json:"drain_requested"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Pool returns the capacity pool the worker belongs to
func (w *Worker) Pool() Pool {
	return Pool{OrgID: w.OrgID, Kind: w.Kind}
}

// Organization is the tenant that owns jobs, workers and secrets.
// The fleet only reads it as a partition key and quota source.
type Organization struct {
	ID          string    `json:"org_id"`
	Name        string    `json:"name"`
	WorkerQuota int       `json:"worker_quota"`
	CreatedAt   time.Time `json:"created_at"`
}
