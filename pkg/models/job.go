package models

import (
	"fmt"
	"time"
)

// JobKind represents the kind of ML workload a job runs
type JobKind string

const (
	JobKindTrain    JobKind = "train"
	JobKindFinetune JobKind = "finetune"
	JobKindInfer    JobKind = "infer"
)

// JobKinds lists every supported job kind
var JobKinds = []JobKind{JobKindTrain, JobKindFinetune, JobKindInfer}

// Valid reports whether k is a known job kind
func (k JobKind) Valid() bool {
	switch k {
	case JobKindTrain, JobKindFinetune, JobKindInfer:
		return true
	}
	return false
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further transitions are possible from s
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// CanTransition reports whether moving a job from s to next is allowed.
// Requeue (claimed/running -> queued) and cancellation are the only
// backwards or sideways moves.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusClaimed || next == JobStatusCanceled || next == JobStatusFailed
	case JobStatusClaimed:
		return next == JobStatusRunning || next == JobStatusQueued || next == JobStatusFailed || next == JobStatusCanceled
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusQueued || next == JobStatusCanceled
	}
	return false
}

// ResourceRequirements defines the compute resources a job declares
type ResourceRequirements struct {
	GPUType  string `json:"gpu_type,omitempty" yaml:"gpu_type,omitempty"`
	GPUCount int    `json:"gpu_count" yaml:"gpu_count"`
	MemoryMB int64  `json:"memory_mb" yaml:"memory_mb"`
}

// Fits reports whether a job requiring r can run on a worker provisioned with capacity
func (r ResourceRequirements) Fits(capacity ResourceRequirements) bool {
	if r.GPUType != "" && capacity.GPUType != "" && r.GPUType != capacity.GPUType {
		return false
	}
	if r.GPUCount > capacity.GPUCount {
		return false
	}
	if capacity.MemoryMB > 0 && r.MemoryMB > capacity.MemoryMB {
		return false
	}
	return true
}

// Job represents an ML work unit executed by exactly one worker at a time
type Job struct {
	ID           string               `json:"job_id"`
	OrgID        string               `json:"org_id"`
	Kind         JobKind              `json:"kind"`
	Resources    ResourceRequirements `json:"resources"`
	Image        string               `json:"image"`
	Command      []string             `json:"command,omitempty"`
	Env          map[string]string    `json:"env,omitempty"`
	Status       JobStatus            `json:"status"`
	WorkerID     string               `json:"worker_id,omitempty"`
	RetryCount   int                  `json:"retry_count"`
	ExitCode     *int                 `json:"exit_code,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	ClaimedAt    *time.Time           `json:"claimed_at,omitempty"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Pool returns the capacity pool the job is planned in
func (j *Job) Pool() Pool {
	return Pool{OrgID: j.OrgID, Kind: j.Kind}
}

// JobSubmissionRequest represents a request to enqueue a new job
type JobSubmissionRequest struct {
	OrgID     string               `json:"org_id"`
	Kind      JobKind              `json:"kind"`
	Image     string               `json:"image"`
	Command   []string             `json:"command,omitempty"`
	Env       map[string]string    `json:"env,omitempty"`
	Resources ResourceRequirements `json:"resources"`
}

// Validate checks the request for required fields
func (r *JobSubmissionRequest) Validate() error {
	if r.OrgID == "" {
		return fmt.Errorf("org_id is required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid job kind: %q", r.Kind)
	}
	if r.Image == "" {
		return fmt.Errorf("image is required")
	}
	if r.Resources.GPUCount < 0 || r.Resources.MemoryMB < 0 {
		return fmt.Errorf("resource requirements must not be negative")
	}
	return nil
}

// Pool identifies a capacity planning unit: one organization's workers of one kind
type Pool struct {
	OrgID string  `json:"org_id"`
	Kind  JobKind `json:"kind"`
}

func (p Pool) String() string {
	return p.OrgID + "/" + string(p.Kind)
}
