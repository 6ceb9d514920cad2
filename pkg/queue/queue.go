// Package queue is an in-memory store.Store. It backs single-process dev
// mode and tests; it shares no state across processes.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
)

// Queue keeps jobs, workers and organizations in memory. Queued jobs sit in
// one FIFO heap per pool.
type Queue struct {
	mu      sync.RWMutex
	clock   clock.PassiveClock
	pools   map[models.Pool]*PriorityQueue
	items   map[string]*PriorityQueueItem // queued job ID -> heap item
	jobs    map[string]*models.Job
	workers map[string]*models.Worker
	orgs    map[string]*models.Organization
	secrets map[string]map[string]string
}

var _ store.Store = (*Queue)(nil)

// NewQueue creates a new in-memory queue instance
func NewQueue(clk clock.PassiveClock) *Queue {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Queue{
		clock:   clk,
		pools:   make(map[models.Pool]*PriorityQueue),
		items:   make(map[string]*PriorityQueueItem),
		jobs:    make(map[string]*models.Job),
		workers: make(map[string]*models.Worker),
		orgs:    make(map[string]*models.Organization),
		secrets: make(map[string]map[string]string),
	}
}

// push adds a queued job to its pool heap. Caller holds mu.
func (q *Queue) push(job *models.Job) {
	pq, ok := q.pools[job.Pool()]
	if !ok {
		pq = &PriorityQueue{}
		heap.Init(pq)
		q.pools[job.Pool()] = pq
	}
	item := &PriorityQueueItem{JobID: job.ID, CreatedAt: job.CreatedAt}
	heap.Push(pq, item)
	q.items[job.ID] = item
}

// remove takes a job out of its pool heap. Caller holds mu.
func (q *Queue) remove(job *models.Job) {
	item, ok := q.items[job.ID]
	if !ok {
		return
	}
	delete(q.items, job.ID)
	pq := q.pools[job.Pool()]
	heap.Remove(pq, item.index)
	if pq.Len() == 0 {
		delete(q.pools, job.Pool())
	}
}

// Enqueue adds a job to the queue
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, exists := q.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.Status = models.JobStatusQueued
	job.WorkerID = ""
	job.RetryCount = 0
	job.UpdatedAt = now

	stored := cloneJob(job)
	q.jobs[job.ID] = stored
	q.push(stored)
	return nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*models.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs lists jobs matching filter, oldest first
func (q *Queue) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	jobs := make([]*models.Job, 0)
	for _, job := range q.jobs {
		if filter.OrgID != "" && job.OrgID != filter.OrgID {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.WorkerID != "" && job.WorkerID != filter.WorkerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsJobStatus(filter.Statuses, job.Status) {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		return olderThan(jobs[i].CreatedAt, jobs[i].ID, jobs[j].CreatedAt, jobs[j].ID)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// ListQueued returns queued jobs of one pool, oldest first
func (q *Queue) ListQueued(ctx context.Context, orgID string, kind models.JobKind, limit int) ([]*models.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	pq, ok := q.pools[models.Pool{OrgID: orgID, Kind: kind}]
	if !ok {
		return []*models.Job{}, nil
	}

	items := make([]*PriorityQueueItem, len(*pq))
	copy(items, *pq)
	sort.Slice(items, func(i, j int) bool { return items[i].before(items[j]) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	jobs := make([]*models.Job, 0, len(items))
	for _, item := range items {
		jobs = append(jobs, cloneJob(q.jobs[item.JobID]))
	}
	return jobs, nil
}

// QueueDepths counts queued jobs per pool
func (q *Queue) QueueDepths(ctx context.Context) ([]store.QueueDepth, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	depths := make([]store.QueueDepth, 0, len(q.pools))
	for pool, pq := range q.pools {
		depths = append(depths, store.QueueDepth{
			Pool:            pool,
			Queued:          pq.Len(),
			OldestCreatedAt: (*pq)[0].CreatedAt,
		})
	}
	sort.Slice(depths, func(i, j int) bool {
		return depths[i].Pool.String() < depths[j].Pool.String()
	})
	return depths, nil
}

// TryClaim moves a queued job to claimed and its idle worker to busy
func (q *Queue) TryClaim(ctx context.Context, jobID, workerID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.Status != models.JobStatusQueued {
		return false, nil
	}
	w, ok := q.workers[workerID]
	if !ok || w.Status != models.WorkerStatusIdle || w.Pool() != job.Pool() {
		return false, nil
	}

	now := q.clock.Now()
	q.remove(job)
	job.Status = models.JobStatusClaimed
	job.WorkerID = workerID
	job.ClaimedAt = &now
	job.UpdatedAt = now

	w.Status = models.WorkerStatusBusy
	w.CurrentJobID = jobID
	w.UpdatedAt = now
	return true, nil
}

// UpdateJobStatus moves a job from one status to the next if it still matches
func (q *Queue) UpdateJobStatus(ctx context.Context, jobID string, from, to models.JobStatus, fields store.JobFields) (bool, error) {
	if !from.CanTransition(to) || to == models.JobStatusQueued || to == models.JobStatusClaimed {
		return false, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, to)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.Status != from {
		return false, nil
	}
	if fields.WorkerID != "" && job.WorkerID != fields.WorkerID {
		return false, nil
	}

	now := q.clock.Now()
	if from == models.JobStatusQueued {
		q.remove(job)
	}
	job.Status = to
	job.UpdatedAt = now
	if to == models.JobStatusRunning {
		job.StartedAt = &now
	}
	if to.IsTerminal() {
		job.FinishedAt = &now
	}
	if fields.ExitCode != nil {
		code := *fields.ExitCode
		job.ExitCode = &code
	}
	if fields.ErrorMessage != "" {
		job.ErrorMessage = fields.ErrorMessage
	}
	return true, nil
}

// RequeueJob requeues a held job or fails it when the retry limit is reached
func (q *Queue) RequeueJob(ctx context.Context, jobID, workerID string, maxRetries int, reason string) (models.JobStatus, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.WorkerID != workerID {
		return "", false, nil
	}
	if job.Status != models.JobStatusClaimed && job.Status != models.JobStatusRunning {
		return "", false, nil
	}

	now := q.clock.Now()
	job.WorkerID = ""
	job.ClaimedAt = nil
	job.StartedAt = nil
	job.ErrorMessage = reason
	job.UpdatedAt = now
	if job.RetryCount < maxRetries {
		job.RetryCount++
		job.Status = models.JobStatusQueued
		job.FinishedAt = nil
		q.push(job)
	} else {
		job.Status = models.JobStatusFailed
		job.FinishedAt = &now
	}
	return job.Status, true, nil
}

// CancelJob cancels a job that has not finished yet
func (q *Queue) CancelJob(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}

	now := q.clock.Now()
	if job.Status == models.JobStatusQueued {
		q.remove(job)
	}
	job.Status = models.JobStatusCanceled
	job.FinishedAt = &now
	job.UpdatedAt = now
	return true, nil
}

// FailExhaustedJobs fails queued jobs whose retry count is over the limit
func (q *Queue) FailExhaustedJobs(ctx context.Context, maxRetries int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	failed := 0
	for _, job := range q.jobs {
		if job.Status != models.JobStatusQueued || job.RetryCount <= maxRetries {
			continue
		}
		q.remove(job)
		job.Status = models.JobStatusFailed
		job.ErrorMessage = "retry limit exceeded"
		job.FinishedAt = &now
		job.UpdatedAt = now
		failed++
	}
	return failed, nil
}

// ListOrphanedJobs returns held jobs whose holder no longer holds them
func (q *Queue) ListOrphanedJobs(ctx context.Context) ([]*models.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	jobs := make([]*models.Job, 0)
	for _, job := range q.jobs {
		if job.Status != models.JobStatusClaimed && job.Status != models.JobStatusRunning {
			continue
		}
		w, ok := q.workers[job.WorkerID]
		if ok && w.Status == models.WorkerStatusBusy && w.CurrentJobID == job.ID {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return olderThan(jobs[i].CreatedAt, jobs[i].ID, jobs[j].CreatedAt, jobs[j].ID)
	})
	return jobs, nil
}

// CreateWorker inserts a worker record, provisioning unless a status is given
func (q *Queue) CreateWorker(ctx context.Context, w *models.Worker) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if _, exists := q.workers[w.ID]; exists {
		return fmt.Errorf("worker %s already exists", w.ID)
	}
	if w.Status == "" {
		w.Status = models.WorkerStatusProvisioning
	}
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = now
	}
	w.CreatedAt = now
	w.UpdatedAt = now

	stored := *w
	q.workers[w.ID] = &stored
	return nil
}

// RegisterWorker creates or refreshes a worker record on agent start
func (q *Queue) RegisterWorker(ctx context.Context, w *models.Worker) (*models.Worker, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	existing, ok := q.workers[w.ID]
	if !ok {
		stored := *w
		stored.Status = models.WorkerStatusIdle
		stored.CurrentJobID = ""
		stored.DrainRequested = false
		stored.LastHeartbeat = now
		stored.CreatedAt = now
		stored.UpdatedAt = now
		q.workers[w.ID] = &stored
		registered := stored
		return &registered, nil
	}

	if existing.Status == models.WorkerStatusTerminated {
		return nil, fmt.Errorf("worker %s: %w", w.ID, store.ErrWorkerTerminated)
	}
	if existing.Status == models.WorkerStatusProvisioning {
		if existing.DrainRequested {
			existing.Status = models.WorkerStatusDraining
		} else {
			existing.Status = models.WorkerStatusIdle
		}
	}
	if w.InstanceID != "" {
		existing.InstanceID = w.InstanceID
	}
	existing.LastHeartbeat = now
	existing.UpdatedAt = now

	registered := *existing
	return &registered, nil
}

// GetWorker retrieves a worker by ID
func (q *Queue) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	w, ok := q.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, store.ErrNotFound)
	}
	worker := *w
	return &worker, nil
}

// ListWorkers lists workers matching filter, oldest first
func (q *Queue) ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]*models.Worker, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	workers := make([]*models.Worker, 0)
	for _, w := range q.workers {
		if filter.OrgID != "" && w.OrgID != filter.OrgID {
			continue
		}
		if filter.Kind != "" && w.Kind != filter.Kind {
			continue
		}
		if len(filter.Statuses) > 0 && !containsWorkerStatus(filter.Statuses, w.Status) {
			continue
		}
		worker := *w
		workers = append(workers, &worker)
	}
	sort.Slice(workers, func(i, j int) bool {
		return olderThan(workers[i].CreatedAt, workers[i].ID, workers[j].CreatedAt, workers[j].ID)
	})
	return workers, nil
}

// Heartbeat records a worker's liveness and returns its status
func (q *Queue) Heartbeat(ctx context.Context, workerID string, ts time.Time) (models.WorkerStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.workers[workerID]
	if !ok {
		return "", fmt.Errorf("worker %s: %w", workerID, store.ErrNotFound)
	}
	if w.Status != models.WorkerStatusTerminated {
		w.LastHeartbeat = ts
	}
	return w.Status, nil
}

// ListStaleWorkers returns workers whose last heartbeat is older than timeout
func (q *Queue) ListStaleWorkers(ctx context.Context, timeout time.Duration, statuses ...models.WorkerStatus) ([]*models.Worker, error) {
	if len(statuses) == 0 {
		statuses = models.LiveWorkerStatuses
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	cutoff := q.clock.Now().Add(-timeout)
	workers := make([]*models.Worker, 0)
	for _, w := range q.workers {
		if containsWorkerStatus(statuses, w.Status) && w.LastHeartbeat.Before(cutoff) {
			worker := *w
			workers = append(workers, &worker)
		}
	}
	sort.Slice(workers, func(i, j int) bool {
		return olderThan(workers[i].LastHeartbeat, workers[i].ID, workers[j].LastHeartbeat, workers[j].ID)
	})
	return workers, nil
}

// UpdateWorkerStatus moves a worker to a new status if it is in one of from
func (q *Queue) UpdateWorkerStatus(ctx context.Context, workerID string, from []models.WorkerStatus, to models.WorkerStatus) (bool, error) {
	if to == models.WorkerStatusBusy || len(from) == 0 {
		return false, fmt.Errorf("%w: worker -> %s", store.ErrInvalidTransition, to)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.workers[workerID]
	if !ok || !containsWorkerStatus(from, w.Status) {
		return false, nil
	}
	w.Status = to
	w.UpdatedAt = q.clock.Now()
	switch to {
	case models.WorkerStatusTerminated:
		w.CurrentJobID = ""
	case models.WorkerStatusDraining:
		w.DrainRequested = true
	}
	return true, nil
}

// SetWorkerInstance records the cloud instance backing a worker
func (q *Queue) SetWorkerInstance(ctx context.Context, workerID, instanceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, store.ErrNotFound)
	}
	w.InstanceID = instanceID
	return nil
}

// RequestDrain drains an idle worker now, or flags a busy/provisioning one
func (q *Queue) RequestDrain(ctx context.Context, workerID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.workers[workerID]
	if !ok {
		return false, nil
	}
	switch w.Status {
	case models.WorkerStatusIdle:
		w.Status = models.WorkerStatusDraining
	case models.WorkerStatusBusy, models.WorkerStatusProvisioning:
	default:
		return false, nil
	}
	w.DrainRequested = true
	w.UpdatedAt = q.clock.Now()
	return true, nil
}

// ReleaseWorker frees a busy worker after its job ended
func (q *Queue) ReleaseWorker(ctx context.Context, workerID, jobID string) (models.WorkerStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.workers[workerID]
	if !ok {
		return "", fmt.Errorf("worker %s: %w", workerID, store.ErrNotFound)
	}
	if w.Status != models.WorkerStatusBusy || w.CurrentJobID != jobID {
		return w.Status, nil
	}
	if w.DrainRequested {
		w.Status = models.WorkerStatusDraining
	} else {
		w.Status = models.WorkerStatusIdle
	}
	w.CurrentJobID = ""
	w.UpdatedAt = q.clock.Now()
	return w.Status, nil
}

// UpsertOrganization creates or updates an organization
func (q *Queue) UpsertOrganization(ctx context.Context, org *models.Organization) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.orgs[org.ID]; ok {
		existing.Name = org.Name
		existing.WorkerQuota = org.WorkerQuota
		return nil
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = q.clock.Now()
	}
	stored := *org
	q.orgs[org.ID] = &stored
	return nil
}

// ListOrganizations lists all organizations
func (q *Queue) ListOrganizations(ctx context.Context) ([]*models.Organization, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	orgs := make([]*models.Organization, 0, len(q.orgs))
	for _, org := range q.orgs {
		o := *org
		orgs = append(orgs, &o)
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i].ID < orgs[j].ID })
	return orgs, nil
}

// PutSecret stores a secret for an organization
func (q *Queue) PutSecret(ctx context.Context, orgID, name, value string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.secrets[orgID] == nil {
		q.secrets[orgID] = make(map[string]string)
	}
	q.secrets[orgID][name] = value
	return nil
}

// ListSecrets returns the secrets of one organization
func (q *Queue) ListSecrets(ctx context.Context, orgID string) (map[string]string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	secrets := make(map[string]string, len(q.secrets[orgID]))
	for k, v := range q.secrets[orgID] {
		secrets[k] = v
	}
	return secrets, nil
}

// Ping always succeeds
func (q *Queue) Ping(ctx context.Context) error {
	return nil
}

// Close closes the queue (no-op for in-memory implementation)
func (q *Queue) Close() error {
	return nil
}

func cloneJob(job *models.Job) *models.Job {
	c := *job
	if job.Command != nil {
		c.Command = append([]string(nil), job.Command...)
	}
	if job.Env != nil {
		c.Env = make(map[string]string, len(job.Env))
		for k, v := range job.Env {
			c.Env[k] = v
		}
	}
	c.ExitCode = copyPtr(job.ExitCode)
	c.ClaimedAt = copyPtr(job.ClaimedAt)
	c.StartedAt = copyPtr(job.StartedAt)
	c.FinishedAt = copyPtr(job.FinishedAt)
	return &c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func olderThan(a time.Time, aID string, b time.Time, bID string) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return aID < bID
}

func containsJobStatus(statuses []models.JobStatus, s models.JobStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func containsWorkerStatus(statuses []models.WorkerStatus, s models.WorkerStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// PriorityQueueItem represents a queued job in a pool heap
type PriorityQueueItem struct {
	JobID     string
	CreatedAt time.Time
	index     int // Index in heap
}

func (it *PriorityQueueItem) before(other *PriorityQueueItem) bool {
	return olderThan(it.CreatedAt, it.JobID, other.CreatedAt, other.JobID)
}

// PriorityQueue implements heap.Interface, oldest job first
type PriorityQueue []*PriorityQueueItem

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	return pq[i].before(pq[j])
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*PriorityQueueItem)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}
