package supervisor

import (
	"sort"
	"time"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

// PoolState is the observed state of one pool at the start of a tick
type PoolState struct {
	Pool         models.Pool
	Queued       int
	OldestQueued time.Time

	Provisioning int
	Idle         int
	Busy         int
	Draining     int
}

// Available counts workers that can take a job now or soon
func (p PoolState) Available() int {
	return p.Provisioning + p.Idle
}

// Committed counts workers that occupy an instance but cannot take a job
func (p PoolState) Committed() int {
	return p.Busy + p.Draining
}

// Snapshot is everything Plan needs
type Snapshot struct {
	Pools         []PoolState
	Quotas        map[string]int
	DefaultQuota  int
	GlobalCeiling int
	JobsPerWorker int
}

func (s Snapshot) quota(orgID string) int {
	if q, ok := s.Quotas[orgID]; ok {
		return q
	}
	return s.DefaultQuota
}

// PoolPlan is the decision for one pool
type PoolPlan struct {
	Pool models.Pool

	// Demand is the number of available workers the queue asks for
	Demand int

	// Target is Demand clamped to the org and global budgets
	Target int

	Provision int
	Drain     int

	// Unmet is the demand the budgets did not allow
	Unmet int
}

// Plan computes per-pool targets from a snapshot. It is pure: the same
// snapshot always yields the same plan.
func Plan(snap Snapshot) []PoolPlan {
	pools := append([]PoolState(nil), snap.Pools...)
	sort.Slice(pools, func(i, j int) bool { return poolLess(pools[i].Pool, pools[j].Pool) })

	jobsPerWorker := snap.JobsPerWorker
	if jobsPerWorker < 1 {
		jobsPerWorker = 1
	}

	demand := make([]int, len(pools))
	for i, p := range pools {
		demand[i] = ceilDiv(p.Queued, jobsPerWorker)
	}

	// Per-org budget
	target := make([]int, len(pools))
	byOrg := make(map[string][]int)
	var orgs []string
	for i, p := range pools {
		if _, ok := byOrg[p.Pool.OrgID]; !ok {
			orgs = append(orgs, p.Pool.OrgID)
		}
		byOrg[p.Pool.OrgID] = append(byOrg[p.Pool.OrgID], i)
	}
	for _, org := range orgs {
		idx := byOrg[org]
		committed := 0
		for _, i := range idx {
			committed += pools[i].Committed()
		}
		budget := max(0, snap.quota(org)-committed)
		allocate(budget, idx, pools, demand, target)
	}

	// Global budget over what the orgs allowed
	committed := 0
	all := make([]int, len(pools))
	for i, p := range pools {
		committed += p.Committed()
		all[i] = i
	}
	orgTarget := append([]int(nil), target...)
	allocate(max(0, snap.GlobalCeiling-committed), all, pools, orgTarget, target)

	plans := make([]PoolPlan, len(pools))
	for i, p := range pools {
		available := p.Available()
		plans[i] = PoolPlan{
			Pool:      p.Pool,
			Demand:    demand[i],
			Target:    target[i],
			Provision: max(0, target[i]-available),
			Drain:     min(p.Idle, max(0, available-target[i])),
			Unmet:     demand[i] - target[i],
		}
	}
	return plans
}

// allocate splits budget across the pools in idx, writing into out. When
// the wants fit they are granted as is; otherwise each pool gets its
// proportional share rounded down and the whole remainder goes to the pool
// with the oldest queued job, spilling to the next oldest only past its want.
func allocate(budget int, idx []int, pools []PoolState, want, out []int) {
	total := 0
	for _, i := range idx {
		total += want[i]
	}
	if total <= budget {
		for _, i := range idx {
			out[i] = want[i]
		}
		return
	}

	granted := 0
	for _, i := range idx {
		out[i] = budget * want[i] / total
		granted += out[i]
	}

	order := append([]int(nil), idx...)
	sort.SliceStable(order, func(a, b int) bool {
		pa, pb := pools[order[a]], pools[order[b]]
		if !pa.OldestQueued.Equal(pb.OldestQueued) {
			// pools with nothing queued sort last
			if pa.OldestQueued.IsZero() || pb.OldestQueued.IsZero() {
				return pb.OldestQueued.IsZero()
			}
			return pa.OldestQueued.Before(pb.OldestQueued)
		}
		return poolLess(pa.Pool, pb.Pool)
	})

	remainder := budget - granted
	for _, i := range order {
		if remainder == 0 {
			break
		}
		extra := min(remainder, want[i]-out[i])
		out[i] += extra
		remainder -= extra
	}
}

func poolLess(a, b models.Pool) bool {
	if a.OrgID != b.OrgID {
		return a.OrgID < b.OrgID
	}
	return a.Kind < b.Kind
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
