// Package supervisor runs the fleet control loop: it sizes each pool to its
// queue, provisions and drains workers, and recovers jobs from dead workers.
// It holds no state between ticks; every decision is re-derived from the store.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/mimir-aip/mimir-fleet/pkg/config"
	"github.com/mimir-aip/mimir-fleet/pkg/metrics"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/provisioner"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
)

// Supervisor is the fleet's control loop
type Supervisor struct {
	cfg         config.SupervisorConfig
	store       store.Store
	provisioner provisioner.Provisioner
	clock       clock.Clock

	// snapshotBackoff bounds retries of the tick's store reads
	snapshotBackoff wait.Backoff
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithClock overrides the clock used to wait between provision attempts
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithSnapshotBackoff overrides the retry policy for snapshot reads
func WithSnapshotBackoff(b wait.Backoff) Option {
	return func(s *Supervisor) {
		s.snapshotBackoff = b
	}
}

// New creates a supervisor
func New(cfg config.SupervisorConfig, st store.Store, prov provisioner.Provisioner, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		store:       st,
		provisioner: prov,
		clock:       clock.RealClock{},
		snapshotBackoff: wait.Backoff{
			Duration: 200 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    4,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ProvisionConcurrency < 1 {
		s.cfg.ProvisionConcurrency = 1
	}
	if s.cfg.ProvisionMaxAttempts < 1 {
		s.cfg.ProvisionMaxAttempts = 1
	}
	return s
}

// Run ticks every TickInterval until ctx is done. Ticks never overlap: a
// tick still running when the next is due causes that one to be skipped.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := klog.Background().WithName("supervisor")
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(s.cfg.TickInterval), cron.FuncJob(func() {
		s.runTick(ctx)
	}))

	klog.InfoS("Supervisor started", "tick", s.cfg.TickInterval, "ceiling", s.cfg.GlobalCeiling)
	s.runTick(ctx)
	c.Start()

	<-ctx.Done()
	klog.InfoS("Supervisor stopping")
	<-c.Stop().Done()
	return nil
}

func (s *Supervisor) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.Tick(ctx); err != nil {
		klog.ErrorS(err, "Tick aborted")
	}
}

// Tick runs one pass of the control loop. Only an unavailable store aborts
// a tick; every other failure is logged and retried by the next tick.
func (s *Supervisor) Tick(ctx context.Context) error {
	start := time.Now()
	defer metrics.TickDuration(start)

	// Failure handling runs first so the jobs it requeues are planned for
	// in this same tick.
	s.reapDead(ctx)
	s.sweepJobs(ctx)

	snap, workers, err := s.snapshot(ctx)
	if err != nil {
		metrics.TickFailure()
		return err
	}

	plans := Plan(snap)
	s.publish(snap, plans)
	s.checkInstances(ctx, workers)

	s.provision(ctx, plans)
	s.scaleDown(ctx, plans, workers)
	s.reapDrained(ctx)
	return nil
}

// snapshot reads queue depths, live workers and quotas, retrying with backoff
func (s *Supervisor) snapshot(ctx context.Context) (Snapshot, map[models.Pool][]*models.Worker, error) {
	var (
		depths  []store.QueueDepth
		workers []*models.Worker
		orgs    []*models.Organization
		lastErr error
	)
	err := wait.ExponentialBackoffWithContext(ctx, s.snapshotBackoff, func(ctx context.Context) (bool, error) {
		var err error
		if depths, err = s.store.QueueDepths(ctx); err != nil {
			lastErr = err
			return false, nil
		}
		if workers, err = s.store.ListWorkers(ctx, store.WorkerFilter{Statuses: models.LiveWorkerStatuses}); err != nil {
			lastErr = err
			return false, nil
		}
		if orgs, err = s.store.ListOrganizations(ctx); err != nil {
			lastErr = err
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return Snapshot{}, nil, fmt.Errorf("store unavailable: %w", err)
	}

	quotas := make(map[string]int, len(orgs)+len(s.cfg.OrgQuotas))
	for _, org := range orgs {
		quotas[org.ID] = org.WorkerQuota
	}
	for org, q := range s.cfg.OrgQuotas {
		quotas[org] = q
	}

	states := make(map[models.Pool]*PoolState)
	state := func(pool models.Pool) *PoolState {
		st, ok := states[pool]
		if !ok {
			st = &PoolState{Pool: pool}
			states[pool] = st
		}
		return st
	}
	for _, d := range depths {
		st := state(d.Pool)
		st.Queued = d.Queued
		st.OldestQueued = d.OldestCreatedAt
	}

	byPool := make(map[models.Pool][]*models.Worker)
	for _, w := range workers {
		st := state(w.Pool())
		switch w.Status {
		case models.WorkerStatusProvisioning:
			st.Provisioning++
		case models.WorkerStatusIdle:
			st.Idle++
		case models.WorkerStatusBusy:
			st.Busy++
		case models.WorkerStatusDraining:
			st.Draining++
		}
		byPool[w.Pool()] = append(byPool[w.Pool()], w)
	}

	snap := Snapshot{
		Quotas:        quotas,
		DefaultQuota:  s.cfg.DefaultOrgQuota,
		GlobalCeiling: s.cfg.GlobalCeiling,
		JobsPerWorker: s.cfg.JobsPerWorker,
	}
	for _, st := range states {
		snap.Pools = append(snap.Pools, *st)
	}
	return snap, byPool, nil
}

// publish exports the tick's view as gauges
func (s *Supervisor) publish(snap Snapshot, plans []PoolPlan) {
	metrics.ResetPoolGauges()

	counts := make(map[models.WorkerStatus]int)
	for _, p := range snap.Pools {
		metrics.QueuedJobs(p.Pool.OrgID, string(p.Pool.Kind), p.Queued)
		counts[models.WorkerStatusProvisioning] += p.Provisioning
		counts[models.WorkerStatusIdle] += p.Idle
		counts[models.WorkerStatusBusy] += p.Busy
		counts[models.WorkerStatusDraining] += p.Draining
	}
	for status, n := range counts {
		metrics.Workers(string(status), n)
	}

	for _, plan := range plans {
		if plan.Provision > 0 || plan.Drain > 0 || plan.Unmet > 0 {
			klog.V(2).InfoS("Pool plan", "pool", plan.Pool, "demand", plan.Demand, "target", plan.Target,
				"provision", plan.Provision, "drain", plan.Drain, "unmet", plan.Unmet)
		}
	}
}

// provision starts the workers each plan asks for, bounded by ProvisionConcurrency
func (s *Supervisor) provision(ctx context.Context, plans []PoolPlan) {
	var (
		mu     sync.Mutex
		failed = make(map[models.Pool]int)
		g      errgroup.Group
	)
	g.SetLimit(s.cfg.ProvisionConcurrency)

	for _, plan := range plans {
		for i := 0; i < plan.Provision; i++ {
			pool := plan.Pool
			g.Go(func() error {
				err := s.provisionWorker(ctx, pool)
				if err != nil {
					mu.Lock()
					failed[pool]++
					mu.Unlock()
					klog.ErrorS(err, "Provisioning deferred to next tick", "pool", pool)
				}
				return err
			})
		}
	}
	g.Wait()

	for _, plan := range plans {
		unmet := plan.Unmet + failed[plan.Pool]
		if unmet > 0 {
			klog.InfoS("Unmet demand", "pool", plan.Pool, "workers", unmet, "queued_demand", plan.Demand)
		}
		metrics.UnmetDemand(plan.Pool.OrgID, string(plan.Pool.Kind), unmet)
	}
}

// scaleDown marks each plan's excess idle workers draining, longest idle first
func (s *Supervisor) scaleDown(ctx context.Context, plans []PoolPlan, workers map[models.Pool][]*models.Worker) {
	for _, plan := range plans {
		if plan.Drain == 0 {
			continue
		}

		var idle []*models.Worker
		for _, w := range workers[plan.Pool] {
			if w.Status == models.WorkerStatusIdle {
				idle = append(idle, w)
			}
		}
		sort.Slice(idle, func(i, j int) bool {
			if !idle[i].UpdatedAt.Equal(idle[j].UpdatedAt) {
				return idle[i].UpdatedAt.Before(idle[j].UpdatedAt)
			}
			return idle[i].ID < idle[j].ID
		})

		drained := 0
		for _, w := range idle {
			if drained == plan.Drain {
				break
			}
			// the CAS fails if the worker claimed a job since the snapshot
			ok, err := s.store.UpdateWorkerStatus(ctx, w.ID, []models.WorkerStatus{models.WorkerStatusIdle}, models.WorkerStatusDraining)
			if err != nil {
				klog.ErrorS(err, "Failed to drain worker", "worker", w.ID)
				continue
			}
			if ok {
				drained++
				klog.V(1).InfoS("Draining idle worker", "worker", w.ID, "pool", plan.Pool)
			}
		}
	}
}
