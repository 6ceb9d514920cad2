package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrFakeStart is returned by Fake.Start for scripted failures
var ErrFakeStart = errors.New("fake provisioner: start failed")

// Fake is an in-memory Provisioner with scripted failures
type Fake struct {
	mu            sync.Mutex
	next          int
	failStarts    int
	failStops     int
	instances     map[string]InstanceStatus
	specs         map[string]InstanceSpec
	startAttempts int
	stopCalls     int
	byWorker      bool
}

var (
	_ Provisioner   = (*Fake)(nil)
	_ InstanceNamer = (*Fake)(nil)
	_ Counter       = (*Fake)(nil)
)

// NewFake creates an empty fake provider
func NewFake() *Fake {
	return &Fake{
		instances: make(map[string]InstanceStatus),
		specs:     make(map[string]InstanceSpec),
	}
}

// FailStarts makes the next n Start calls fail
func (f *Fake) FailStarts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStarts = n
}

// NameByWorker makes instance IDs derive from the worker ID, the way the
// pod provider names pods
func (f *Fake) NameByWorker() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byWorker = true
}

// FailStops makes the next n Stop calls fail
func (f *Fake) FailStops(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStops = n
}

func (f *Fake) Start(ctx context.Context, spec InstanceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.startAttempts++
	if f.failStarts > 0 {
		f.failStarts--
		return "", ErrFakeStart
	}

	f.next++
	id := fmt.Sprintf("fake-%d", f.next)
	if f.byWorker {
		id = "fake-" + spec.WorkerID
		if status, ok := f.instances[id]; ok && status != InstanceStopped {
			return id, nil
		}
	}
	f.instances[id] = InstanceRunning
	f.specs[id] = spec
	return id, nil
}

func (f *Fake) Stop(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopCalls++
	if f.failStops > 0 {
		f.failStops--
		return fmt.Errorf("fake provisioner: stop %s failed", instanceID)
	}
	if _, ok := f.instances[instanceID]; ok {
		f.instances[instanceID] = InstanceStopped
	}
	return nil
}

func (f *Fake) Status(ctx context.Context, instanceID string) (InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status, ok := f.instances[instanceID]
	if !ok {
		return InstanceUnknown, ErrInstanceNotFound
	}
	return status, nil
}

// InstanceFor returns the derived ID under NameByWorker, otherwise ""
func (f *Fake) InstanceFor(workerID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.byWorker {
		return ""
	}
	return "fake-" + workerID
}

func (f *Fake) CountActive(ctx context.Context) (int, error) {
	return len(f.Running()), nil
}

// SetStatus overrides an instance's reported state
func (f *Fake) SetStatus(instanceID string, status InstanceStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[instanceID] = status
}

// StartAttempts returns the number of Start calls, failed ones included
func (f *Fake) StartAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startAttempts
}

// StopCalls returns the number of Stop calls
func (f *Fake) StopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

// Running returns the IDs of instances that have not been stopped
func (f *Fake) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	for id, status := range f.instances {
		if status == InstanceRunning || status == InstancePending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Spec returns the spec an instance was started with
func (f *Fake) Spec(instanceID string) (InstanceSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[instanceID]
	return spec, ok
}
