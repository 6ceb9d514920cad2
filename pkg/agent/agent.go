// Package agent is the process that runs on every provisioned GPU instance.
// It registers the worker, heartbeats, claims jobs from its pool one at a
// time and runs them as containers until it is drained or stopped.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/mimir-aip/mimir-fleet/pkg/config"
	"github.com/mimir-aip/mimir-fleet/pkg/container"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/notify"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
)

// State is the agent's local view of its lifecycle
type State string

const (
	StateRegistering State = "registering"
	StateIdle        State = "idle"
	StateBusy        State = "busy"
	StateDraining    State = "draining"
	StateTerminated  State = "terminated"
)

// cleanupTimeout bounds the store writes made after the agent's context ends
const cleanupTimeout = 10 * time.Second

// Agent is a single worker agent
type Agent struct {
	cfg      config.AgentConfig
	store    store.Store
	runtime  container.Runtime
	notifier notify.Notifier
	clock    clock.WithTicker

	mu         sync.Mutex
	state      State
	draining   bool
	terminated bool

	// wake cuts the claim loop's wait short when a drain is observed
	wake chan struct{}
}

// Option configures an Agent
type Option func(*Agent)

// WithClock overrides the clock driving heartbeats and polling
func WithClock(c clock.WithTicker) Option {
	return func(a *Agent) {
		a.clock = c
	}
}

// WithNotifier subscribes the agent to enqueue and cancel hints
func WithNotifier(n notify.Notifier) Option {
	return func(a *Agent) {
		a.notifier = n
	}
}

// New creates an agent for the worker described by cfg
func New(cfg config.AgentConfig, st store.Store, rt container.Runtime, opts ...Option) *Agent {
	a := &Agent{
		cfg:      cfg,
		store:    st,
		runtime:  rt,
		notifier: notify.Nop{},
		clock:    clock.RealClock{},
		state:    StateRegistering,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cfg.ClaimBatchSize < 1 {
		a.cfg.ClaimBatchSize = 1
	}
	if a.cfg.CancelPollInterval <= 0 {
		a.cfg.CancelPollInterval = a.cfg.PollInterval
	}
	return a
}

// ID returns the worker ID
func (a *Agent) ID() string {
	return a.cfg.WorkerID
}

// State returns the agent's current local state
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateTerminated {
		return
	}
	if s == StateIdle && a.draining {
		s = StateDraining
	}
	a.state = s
}

// markDraining records a drain observed in the store
func (a *Agent) markDraining() {
	a.mu.Lock()
	first := !a.draining
	a.draining = true
	if a.state == StateIdle {
		a.state = StateDraining
	}
	a.mu.Unlock()

	if first {
		klog.InfoS("Drain requested, finishing current work", "worker", a.cfg.WorkerID)
		select {
		case a.wake <- struct{}{}:
		default:
		}
	}
}

func (a *Agent) isDraining() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draining
}

// Run registers the worker and serves until the worker is drained,
// terminated by the supervisor or ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		a.mu.Lock()
		a.state = StateTerminated
		a.mu.Unlock()
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	pool := models.Pool{OrgID: a.cfg.OrgID, Kind: a.cfg.Kind}
	hints, err := a.notifier.Subscribe(runCtx, pool)
	if err != nil {
		klog.ErrorS(err, "Hints unavailable, relying on polling", "worker", a.cfg.WorkerID)
		hints = nil
	}

	klog.InfoS("Worker agent started", "worker", a.cfg.WorkerID, "pool", pool,
		"gpus", a.cfg.Resources.GPUCount, "heartbeat", a.cfg.HeartbeatInterval)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return a.heartbeat(gctx, stop)
	})
	g.Go(func() error {
		// the heartbeat has nothing left to report once claiming stops
		defer stop()
		return a.claimLoop(gctx, hints)
	})
	err = g.Wait()

	a.mu.Lock()
	terminated := a.terminated
	a.state = StateTerminated
	a.mu.Unlock()

	switch {
	case terminated:
		klog.InfoS("Worker terminated by supervisor", "worker", a.cfg.WorkerID)
	case ctx.Err() != nil:
		klog.InfoS("Worker agent stopped", "worker", a.cfg.WorkerID)
	default:
		klog.InfoS("Worker drained", "worker", a.cfg.WorkerID)
	}
	return err
}

// register announces the worker and recovers a job held by a previous run
func (a *Agent) register(ctx context.Context) error {
	w, err := a.store.RegisterWorker(ctx, &models.Worker{
		ID:         a.cfg.WorkerID,
		OrgID:      a.cfg.OrgID,
		Kind:       a.cfg.Kind,
		InstanceID: a.cfg.InstanceID,
		Image:      a.cfg.Image,
		Resources:  a.cfg.Resources,
	})
	if err != nil {
		return fmt.Errorf("failed to register worker %s: %w", a.cfg.WorkerID, err)
	}

	if w.CurrentJobID != "" {
		jobID := w.CurrentJobID
		status, ok, err := a.store.RequeueJob(ctx, jobID, w.ID, a.cfg.MaxRetries, "worker restarted")
		if err != nil {
			return fmt.Errorf("failed to recover job %s: %w", jobID, err)
		}
		if ok {
			klog.InfoS("Recovered job held before restart", "worker", w.ID, "job", jobID, "status", status)
		}
		if w.Status, err = a.store.ReleaseWorker(ctx, w.ID, jobID); err != nil {
			return fmt.Errorf("failed to release worker %s: %w", w.ID, err)
		}
	}

	a.setState(StateIdle)
	if w.Status == models.WorkerStatusDraining {
		a.markDraining()
	}
	klog.V(1).InfoS("Worker registered", "worker", w.ID, "instance", w.InstanceID, "status", w.Status)
	return nil
}

// terminate records that the supervisor has given up on this worker
func (a *Agent) terminate(stop context.CancelFunc) {
	a.mu.Lock()
	a.terminated = true
	a.state = StateTerminated
	a.mu.Unlock()
	stop()
}
