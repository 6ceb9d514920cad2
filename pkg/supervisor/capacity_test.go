package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

var (
	acmeTrain   = models.Pool{OrgID: "acme", Kind: models.JobKindTrain}
	acmeInfer   = models.Pool{OrgID: "acme", Kind: models.JobKindInfer}
	acmeTune    = models.Pool{OrgID: "acme", Kind: models.JobKindFinetune}
	globexTrain = models.Pool{OrgID: "globex", Kind: models.JobKindTrain}
	t0          = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func planFor(t *testing.T, plans []PoolPlan, pool models.Pool) PoolPlan {
	t.Helper()
	for _, p := range plans {
		if p.Pool == pool {
			return p
		}
	}
	require.Failf(t, "missing plan", "no plan for %s", pool)
	return PoolPlan{}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name  string
		snap  Snapshot
		check func(t *testing.T, plans []PoolPlan)
	}{
		{
			name: "demand provisions one worker per queued job",
			snap: Snapshot{
				Pools:         []PoolState{{Pool: acmeTrain, Queued: 3, OldestQueued: t0}},
				DefaultQuota:  10,
				GlobalCeiling: 50,
				JobsPerWorker: 1,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				p := planFor(t, plans, acmeTrain)
				assert.Equal(t, 3, p.Demand)
				assert.Equal(t, 3, p.Provision)
				assert.Equal(t, 0, p.Unmet)
			},
		},
		{
			name: "jobs per worker rounds demand up",
			snap: Snapshot{
				Pools:         []PoolState{{Pool: acmeTrain, Queued: 3, OldestQueued: t0}},
				DefaultQuota:  10,
				GlobalCeiling: 50,
				JobsPerWorker: 2,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				assert.Equal(t, 2, planFor(t, plans, acmeTrain).Provision)
			},
		},
		{
			name: "global ceiling caps provisioning",
			snap: Snapshot{
				Pools:         []PoolState{{Pool: acmeTrain, Queued: 10, OldestQueued: t0}},
				DefaultQuota:  100,
				GlobalCeiling: 4,
				JobsPerWorker: 1,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				p := planFor(t, plans, acmeTrain)
				assert.Equal(t, 4, p.Target)
				assert.Equal(t, 4, p.Provision)
				assert.Equal(t, 6, p.Unmet)
			},
		},
		{
			name: "committed workers consume the org quota",
			snap: Snapshot{
				Pools:         []PoolState{{Pool: acmeTrain, Queued: 5, OldestQueued: t0, Busy: 2, Draining: 1}},
				Quotas:        map[string]int{"acme": 4},
				DefaultQuota:  10,
				GlobalCeiling: 50,
				JobsPerWorker: 1,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				p := planFor(t, plans, acmeTrain)
				assert.Equal(t, 1, p.Target)
				assert.Equal(t, 4, p.Unmet)
			},
		},
		{
			name: "quota spans the org's pools",
			snap: Snapshot{
				Pools: []PoolState{
					{Pool: acmeTrain, Queued: 2, OldestQueued: t0, Busy: 2},
					{Pool: acmeInfer, Queued: 2, OldestQueued: t0.Add(time.Second)},
				},
				Quotas:        map[string]int{"acme": 3},
				GlobalCeiling: 50,
				JobsPerWorker: 1,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				// one worker of budget left; the oldest queued pool gets it
				assert.Equal(t, 1, planFor(t, plans, acmeTrain).Target)
				assert.Equal(t, 0, planFor(t, plans, acmeInfer).Target)
			},
		},
		{
			name: "proportional split with remainder to oldest queue",
			snap: Snapshot{
				Pools: []PoolState{
					{Pool: acmeTrain, Queued: 6, OldestQueued: t0.Add(time.Minute)},
					{Pool: globexTrain, Queued: 3, OldestQueued: t0},
				},
				DefaultQuota:  100,
				GlobalCeiling: 5,
				JobsPerWorker: 1,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				// floor(5*6/9)=3, floor(5*3/9)=1, remainder 1 to globex
				assert.Equal(t, 3, planFor(t, plans, acmeTrain).Target)
				assert.Equal(t, 2, planFor(t, plans, globexTrain).Target)
			},
		},
		{
			name: "whole remainder goes to the longest waiting kind",
			snap: Snapshot{
				Pools: []PoolState{
					{Pool: acmeTrain, Queued: 3, OldestQueued: t0},
					{Pool: acmeInfer, Queued: 3, OldestQueued: t0.Add(time.Second)},
					{Pool: acmeTune, Queued: 3, OldestQueued: t0.Add(2 * time.Second)},
				},
				DefaultQuota:  100,
				GlobalCeiling: 5,
				JobsPerWorker: 1,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				// floor(5*3/9)=1 each, remainder 2 all to train
				assert.Equal(t, 3, planFor(t, plans, acmeTrain).Target)
				assert.Equal(t, 1, planFor(t, plans, acmeInfer).Target)
				assert.Equal(t, 1, planFor(t, plans, acmeTune).Target)
			},
		},
		{
			name: "remainder spills past the oldest pool's demand",
			snap: Snapshot{
				Pools: []PoolState{
					{Pool: acmeTrain, Queued: 2, OldestQueued: t0},
					{Pool: acmeInfer, Queued: 5, OldestQueued: t0.Add(time.Second)},
					{Pool: acmeTune, Queued: 5, OldestQueued: t0.Add(2 * time.Second)},
				},
				DefaultQuota:  100,
				GlobalCeiling: 7,
				JobsPerWorker: 1,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				// shares 1/2/2, remainder 2: train fills to 2, infer takes the last
				assert.Equal(t, 2, planFor(t, plans, acmeTrain).Target)
				assert.Equal(t, 3, planFor(t, plans, acmeInfer).Target)
				assert.Equal(t, 2, planFor(t, plans, acmeTune).Target)
			},
		},
		{
			name: "provisioning workers count as available",
			snap: Snapshot{
				Pools:         []PoolState{{Pool: acmeTrain, Queued: 2, OldestQueued: t0, Provisioning: 2}},
				DefaultQuota:  10,
				GlobalCeiling: 50,
				JobsPerWorker: 1,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				p := planFor(t, plans, acmeTrain)
				assert.Equal(t, 0, p.Provision)
				assert.Equal(t, 0, p.Drain)
			},
		},
		{
			name: "excess idle workers drain",
			snap: Snapshot{
				Pools:         []PoolState{{Pool: acmeTrain, Queued: 1, OldestQueued: t0, Idle: 3, Busy: 2}},
				DefaultQuota:  10,
				GlobalCeiling: 50,
				JobsPerWorker: 1,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				p := planFor(t, plans, acmeTrain)
				assert.Equal(t, 2, p.Drain)
				assert.Equal(t, 0, p.Provision)
			},
		},
		{
			name: "provisioning workers are never drained",
			snap: Snapshot{
				Pools:         []PoolState{{Pool: acmeTrain, Provisioning: 2, Idle: 1}},
				DefaultQuota:  10,
				GlobalCeiling: 50,
				JobsPerWorker: 1,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				assert.Equal(t, 1, planFor(t, plans, acmeTrain).Drain)
			},
		},
		{
			name: "ceiling already used by busy workers",
			snap: Snapshot{
				Pools:         []PoolState{{Pool: acmeTrain, Queued: 4, OldestQueued: t0, Busy: 5}},
				DefaultQuota:  10,
				GlobalCeiling: 5,
				JobsPerWorker: 1,
			},
			check: func(t *testing.T, plans []PoolPlan) {
				p := planFor(t, plans, acmeTrain)
				assert.Equal(t, 0, p.Target)
				assert.Equal(t, 4, p.Unmet)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Plan(tt.snap))
		})
	}
}

// TestPlanNeverExceedsBudgets checks the ceiling across many pool mixes
func TestPlanNeverExceedsBudgets(t *testing.T) {
	for ceiling := 0; ceiling <= 12; ceiling++ {
		snap := Snapshot{
			Pools: []PoolState{
				{Pool: acmeTrain, Queued: 7, OldestQueued: t0, Busy: 1},
				{Pool: acmeInfer, Queued: 2, OldestQueued: t0.Add(time.Second), Idle: 1},
				{Pool: globexTrain, Queued: 5, OldestQueued: t0.Add(2 * time.Second)},
			},
			Quotas:        map[string]int{"acme": 6},
			DefaultQuota:  3,
			GlobalCeiling: ceiling,
			JobsPerWorker: 1,
		}

		total, acme, globex := 0, 0, 0
		for _, p := range Plan(snap) {
			total += p.Target
			switch p.Pool.OrgID {
			case "acme":
				acme += p.Target
			case "globex":
				globex += p.Target
			}
			assert.LessOrEqual(t, p.Target, p.Demand)
		}
		// one busy acme worker is already committed
		assert.LessOrEqual(t, total, max(0, ceiling-1), "ceiling %d", ceiling)
		assert.LessOrEqual(t, acme, 5)
		assert.LessOrEqual(t, globex, 3)
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	snap := Snapshot{
		Pools: []PoolState{
			{Pool: globexTrain, Queued: 3, OldestQueued: t0},
			{Pool: acmeTrain, Queued: 3, OldestQueued: t0},
		},
		DefaultQuota:  10,
		GlobalCeiling: 5,
		JobsPerWorker: 1,
	}
	first := Plan(snap)
	snap.Pools[0], snap.Pools[1] = snap.Pools[1], snap.Pools[0]
	assert.Equal(t, first, Plan(snap))

	// equal age ties break on pool key
	assert.Equal(t, 3, planFor(t, first, acmeTrain).Target)
	assert.Equal(t, 2, planFor(t, first, globexTrain).Target)
}
