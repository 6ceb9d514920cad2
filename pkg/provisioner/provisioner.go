// Package provisioner abstracts the API that starts and stops the GPU
// instances a worker agent runs on.
package provisioner

import (
	"context"
	"errors"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

// InstanceStatus is the provider's view of an instance
type InstanceStatus string

const (
	InstancePending InstanceStatus = "pending"
	InstanceRunning InstanceStatus = "running"
	InstanceStopped InstanceStatus = "stopped"
	InstanceUnknown InstanceStatus = "unknown"
)

// ErrInstanceNotFound is returned by Status for instances the provider does not know
var ErrInstanceNotFound = errors.New("instance not found")

// InstanceSpec describes the instance to start for one worker
type InstanceSpec struct {
	WorkerID  string
	OrgID     string
	Kind      models.JobKind
	Image     string
	Resources models.ResourceRequirements
	Env       map[string]string
	Labels    map[string]string
}

// AgentEnv returns the environment an agent needs to register as this worker
func (s InstanceSpec) AgentEnv() map[string]string {
	env := make(map[string]string, len(s.Env)+3)
	for k, v := range s.Env {
		env[k] = v
	}
	env["WORKER_ID"] = s.WorkerID
	env["ORG_ID"] = s.OrgID
	env["JOB_KIND"] = string(s.Kind)
	return env
}

// Provisioner starts and stops worker instances
type Provisioner interface {
	// Start launches an instance running a worker agent and returns its ID
	Start(ctx context.Context, spec InstanceSpec) (string, error)

	// Stop terminates an instance. Stopping an unknown or already stopped
	// instance succeeds.
	Stop(ctx context.Context, instanceID string) error

	// Status reports the instance's state
	Status(ctx context.Context, instanceID string) (InstanceStatus, error)
}

// InstanceNamer is implemented by providers whose instance IDs derive from
// the worker ID, so an instance can be found before its ID is recorded
type InstanceNamer interface {
	InstanceFor(workerID string) string
}

// Counter is implemented by providers that can count their live instances
type Counter interface {
	CountActive(ctx context.Context) (int, error)
}

// ErrCountUnsupported is returned by wrappers whose provider cannot count instances
var ErrCountUnsupported = errors.New("provider cannot count instances")

// InstanceFor returns the instance ID p gives workerID, or "" when p does
// not derive IDs from workers
func InstanceFor(p Provisioner, workerID string) string {
	if n, ok := p.(InstanceNamer); ok {
		return n.InstanceFor(workerID)
	}
	return ""
}
