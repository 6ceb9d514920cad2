// Package local provisions workers as agents running inside the current
// process. It backs development mode and end-to-end tests.
package local

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/agent"
	"github.com/mimir-aip/mimir-fleet/pkg/config"
	"github.com/mimir-aip/mimir-fleet/pkg/container"
	"github.com/mimir-aip/mimir-fleet/pkg/provisioner"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
)

type instance struct {
	agent  *agent.Agent
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Provisioner starts one agent goroutine per instance
type Provisioner struct {
	base    config.AgentConfig
	store   store.Store
	runtime container.Runtime
	opts    []agent.Option

	mu        sync.Mutex
	next      int
	instances map[string]*instance
}

var (
	_ provisioner.Provisioner = (*Provisioner)(nil)
	_ provisioner.Counter     = (*Provisioner)(nil)
)

// New creates a local provisioner. base supplies the timings and
// directories every agent shares; identity and resources come from the
// instance spec.
func New(base config.AgentConfig, st store.Store, rt container.Runtime, opts ...agent.Option) *Provisioner {
	return &Provisioner{
		base:      base,
		store:     st,
		runtime:   rt,
		opts:      opts,
		instances: make(map[string]*instance),
	}
}

func (p *Provisioner) Start(ctx context.Context, spec provisioner.InstanceSpec) (string, error) {
	if spec.WorkerID == "" {
		return "", fmt.Errorf("local provisioner: worker ID is required")
	}

	p.mu.Lock()
	p.next++
	id := fmt.Sprintf("local-%d", p.next)
	p.mu.Unlock()

	cfg := p.base
	cfg.WorkerID = spec.WorkerID
	cfg.InstanceID = id
	cfg.OrgID = spec.OrgID
	cfg.Kind = spec.Kind
	cfg.Resources = spec.Resources
	cfg.Image = spec.Image

	// agents outlive the provisioning call
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := &instance{
		agent:  agent.New(cfg, p.store, p.runtime, p.opts...),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	p.instances[id] = inst
	p.mu.Unlock()

	go func() {
		defer close(inst.done)
		inst.err = inst.agent.Run(runCtx)
		if inst.err != nil {
			klog.ErrorS(inst.err, "Local agent exited", "worker", cfg.WorkerID, "instance", id)
		}
	}()

	klog.V(2).InfoS("Started local agent", "worker", cfg.WorkerID, "instance", id, "pool", spec.OrgID+"/"+string(spec.Kind))
	return id, nil
}

// Stop cancels the agent, waits for it to hand back its job and forgets
// the instance
func (p *Provisioner) Stop(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	inst.cancel()
	select {
	case <-inst.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	delete(p.instances, instanceID)
	p.mu.Unlock()
	return nil
}

func (p *Provisioner) Status(ctx context.Context, instanceID string) (provisioner.InstanceStatus, error) {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	p.mu.Unlock()
	if !ok {
		return provisioner.InstanceUnknown, provisioner.ErrInstanceNotFound
	}

	select {
	case <-inst.done:
		return provisioner.InstanceStopped, nil
	default:
		return provisioner.InstanceRunning, nil
	}
}

// CountActive returns the number of agents still running
func (p *Provisioner) CountActive(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, inst := range p.instances {
		select {
		case <-inst.done:
		default:
			active++
		}
	}
	return active, nil
}

// Shutdown stops every agent
func (p *Provisioner) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.Stop(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
