package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"k8s.io/utils/clock"
	_ "modernc.org/sqlite"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

// Supported database/sql drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// errRollback aborts a transaction without reporting an error
var errRollback = errors.New("rollback")

// SQLStore provides SQL persistence for jobs, workers and organizations.
// Timestamps are stored as unix milliseconds so the same schema works on
// SQLite and PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
	clock  clock.PassiveClock
}

// Option configures a SQLStore
type Option func(*SQLStore)

// WithClock overrides the clock used for timestamps and staleness checks
func WithClock(c clock.PassiveClock) Option {
	return func(s *SQLStore) {
		s.clock = c
	}
}

// Open opens a store for the given driver ("sqlite" or "pgx")
func Open(driver, dsn string, opts ...Option) (*SQLStore, error) {
	switch driver {
	case DriverSQLite:
		return NewSQLiteStore(dsn, opts...)
	case DriverPostgres:
		return NewPostgresStore(dsn, opts...)
	}
	return nil, fmt.Errorf("unsupported database driver: %s", driver)
}

// NewSQLiteStore creates a new SQLite-based store at dbPath
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLStore, error) {
	// Immediate transactions take the write lock up front, so concurrent
	// claims queue on busy_timeout instead of failing on lock upgrade.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", dbPath)
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// For SQLite, we want this relatively low since writes are serialized anyway
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s, err := newSQLStore(db, DriverSQLite, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to check journal mode: %w", err)
	}
	// In-memory databases use "memory" mode, which is acceptable for testing
	if journalMode != "wal" && journalMode != "delete" && journalMode != "memory" {
		db.Close()
		return nil, fmt.Errorf("unexpected journal mode: got %s", journalMode)
	}

	return s, nil
}

// NewPostgresStore creates a store backed by PostgreSQL through pgx
func NewPostgresStore(dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s, err := newSQLStore(db, DriverPostgres, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLStore(db *sql.DB, driver string, opts ...Option) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryOnBusy retries a database operation if it fails due to SQLITE_BUSY.
// This is a safety net on top of the busy_timeout pragma.
func (s *SQLStore) retryOnBusy(operation func() error, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "SQLITE_BUSY") {
			// Exponential backoff: 10ms, 20ms, 40ms, 80ms, 160ms
			backoff := time.Duration(10*(1<<uint(i))) * time.Millisecond
			time.Sleep(backoff)
			continue
		}

		return err
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}

// withTx runs fn in a transaction. Returning errRollback rolls back without error.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			if errors.Is(err, errRollback) {
				return nil
			}
			return err
		}
		return tx.Commit()
	}, 5)
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) now() int64 {
	return s.clock.Now().UnixMilli()
}

// initSchema creates the database schema if it doesn't exist
func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		worker_quota INTEGER NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS secrets (
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (org_id, name)
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		image TEXT NOT NULL,
		gpu_type TEXT NOT NULL DEFAULT '',
		gpu_count INTEGER NOT NULL DEFAULT 0,
		memory_mb BIGINT NOT NULL DEFAULT 0,
		spec TEXT NOT NULL,
		worker_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		claimed_at BIGINT,
		started_at BIGINT,
		finished_at BIGINT,
		updated_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(status, org_id, kind, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_worker_id ON jobs(worker_id);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		gpu_type TEXT NOT NULL DEFAULT '',
		gpu_count INTEGER NOT NULL DEFAULT 0,
		memory_mb BIGINT NOT NULL DEFAULT 0,
		last_heartbeat BIGINT NOT NULL,
		current_job_id TEXT,
		drain_requested INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status, last_heartbeat);
	CREATE INDEX IF NOT EXISTS idx_workers_pool ON workers(org_id, kind);
	`

	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, org_id, kind, status, image, gpu_type, gpu_count, memory_mb, spec, worker_id,
	retry_count, exit_code, error_message, created_at, claimed_at, started_at, finished_at, updated_at`

const workerColumns = `id, org_id, kind, status, instance_id, image, gpu_type, gpu_count, memory_mb,
	last_heartbeat, current_job_id, drain_requested, created_at, updated_at`

// jobSpec is the JSON payload stored in the spec column
type jobSpec struct {
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job       models.Job
		spec      string
		workerID  sql.NullString
		exitCode  sql.NullInt64
		createdAt int64
		updatedAt int64
		claimedAt sql.NullInt64
		startedAt sql.NullInt64
		finishAt  sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.OrgID, &job.Kind, &job.Status, &job.Image,
		&job.Resources.GPUType, &job.Resources.GPUCount, &job.Resources.MemoryMB, &spec, &workerID,
		&job.RetryCount, &exitCode, &job.ErrorMessage, &createdAt, &claimedAt, &startedAt, &finishAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	var payload jobSpec
	if err := json.Unmarshal([]byte(spec), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job spec: %w", err)
	}
	job.Command = payload.Command
	job.Env = payload.Env
	job.WorkerID = workerID.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	job.ClaimedAt = fromNullMillis(claimedAt)
	job.StartedAt = fromNullMillis(startedAt)
	job.FinishedAt = fromNullMillis(finishAt)
	return &job, nil
}

func scanWorker(row rowScanner) (*models.Worker, error) {
	var (
		w                               models.Worker
		currentJob                      sql.NullString
		drain                           int
		heartbeat, createdAt, updatedAt int64
	)
	err := row.Scan(&w.ID, &w.OrgID, &w.Kind, &w.Status, &w.InstanceID, &w.Image,
		&w.Resources.GPUType, &w.Resources.GPUCount, &w.Resources.MemoryMB,
		&heartbeat, &currentJob, &drain, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.CurrentJobID = currentJob.String
	w.DrainRequested = drain == 1
	w.LastHeartbeat = fromMillis(heartbeat)
	w.CreatedAt = fromMillis(createdAt)
	w.UpdatedAt = fromMillis(updatedAt)
	return &w, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// placeholders returns "?, ?, ?" for n values
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Enqueue inserts a new queued job
func (s *SQLStore) Enqueue(ctx context.Context, job *models.Job) error {
	now := s.clock.Now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.Status = models.JobStatusQueued
	job.WorkerID = ""
	job.RetryCount = 0
	job.UpdatedAt = now

	spec, err := json.Marshal(jobSpec{Command: job.Command, Env: job.Env})
	if err != nil {
		return fmt.Errorf("failed to marshal job spec: %w", err)
	}

	query := s.rebind(`
		INSERT INTO jobs (id, org_id, kind, status, image, gpu_type, gpu_count, memory_mb, spec,
			retry_count, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`)

	err = s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, query,
			job.ID, job.OrgID, job.Kind, job.Status, job.Image,
			job.Resources.GPUType, job.Resources.GPUCount, job.Resources.MemoryMB, string(spec),
			job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(),
		)
		return err
	}, 5)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs lists jobs matching filter, oldest first
func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	var (
		conds []string
		args  []any
	)
	if filter.OrgID != "" {
		conds = append(conds, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.WorkerID != "" {
		conds = append(conds, "worker_id = ?")
		args = append(args, filter.WorkerID)
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	return s.queryJobs(ctx, query, args...)
}

func (s *SQLStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListQueued returns queued jobs of one pool, oldest first
func (s *SQLStore) ListQueued(ctx context.Context, orgID string, kind models.JobKind, limit int) ([]*models.Job, error) {
	return s.ListJobs(ctx, JobFilter{
		OrgID:    orgID,
		Kind:     kind,
		Statuses: []models.JobStatus{models.JobStatusQueued},
		Limit:    limit,
	})
}

// QueueDepths counts queued jobs per pool
func (s *SQLStore) QueueDepths(ctx context.Context) ([]QueueDepth, error) {
	query := `
		SELECT org_id, kind, COUNT(*), MIN(created_at)
		FROM jobs
		WHERE status = 'queued'
		GROUP BY org_id, kind
		ORDER BY org_id, kind
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count queued jobs: %w", err)
	}
	defer rows.Close()

	depths := make([]QueueDepth, 0)
	for rows.Next() {
		var (
			d      QueueDepth
			oldest int64
		)
		if err := rows.Scan(&d.Pool.OrgID, &d.Pool.Kind, &d.Queued, &oldest); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		d.OldestCreatedAt = fromMillis(oldest)
		depths = append(depths, d)
	}
	return depths, rows.Err()
}

// TryClaim atomically claims a queued job for an idle worker of the same pool
func (s *SQLStore) TryClaim(ctx context.Context, jobID, workerID string) (bool, error) {
	claimed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE jobs SET status = 'claimed', worker_id = ?, claimed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'
			  AND EXISTS (
				SELECT 1 FROM workers w
				WHERE w.id = ? AND w.status = 'idle'
				  AND w.org_id = jobs.org_id AND w.kind = jobs.kind
			  )
		`), workerID, now, now, jobID, workerID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			if err != nil {
				return err
			}
			return errRollback
		}

		res, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE workers SET status = 'busy', current_job_id = ?, updated_at = ?
			WHERE id = ? AND status = 'idle'
		`), jobID, now, workerID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			if err != nil {
				return err
			}
			return errRollback
		}

		claimed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	return claimed, nil
}

// UpdateJobStatus moves a job from one status to the next if it still matches
func (s *SQLStore) UpdateJobStatus(ctx context.Context, jobID string, from, to models.JobStatus, fields JobFields) (bool, error) {
	if !from.CanTransition(to) || to == models.JobStatusQueued || to == models.JobStatusClaimed {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := s.now()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, now}
	if to == models.JobStatusRunning {
		sets = append(sets, "started_at = ?")
		args = append(args, now)
	}
	if to.IsTerminal() {
		sets = append(sets, "finished_at = ?")
		args = append(args, now)
	}
	if fields.ExitCode != nil {
		sets = append(sets, "exit_code = ?")
		args = append(args, *fields.ExitCode)
	}
	if fields.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, fields.ErrorMessage)
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
	args = append(args, jobID, from)
	if fields.WorkerID != "" {
		query += " AND worker_id = ?"
		args = append(args, fields.WorkerID)
	}

	var affected int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}, 5)
	if err != nil {
		return false, fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	return affected == 1, nil
}

// RequeueJob requeues a held job or fails it when the retry limit is reached
func (s *SQLStore) RequeueJob(ctx context.Context, jobID, workerID string, maxRetries int, reason string) (models.JobStatus, bool, error) {
	var (
		status models.JobStatus
		ok     bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		// Every right-hand side reads the pre-update row.
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE jobs SET
				status = CASE WHEN retry_count < ? THEN 'queued' ELSE 'failed' END,
				retry_count = CASE WHEN retry_count < ? THEN retry_count + 1 ELSE retry_count END,
				finished_at = CASE WHEN retry_count < ? THEN NULL ELSE CAST(? AS BIGINT) END,
				worker_id = NULL,
				claimed_at = NULL,
				started_at = NULL,
				error_message = ?,
				updated_at = ?
			WHERE id = ? AND status IN ('claimed', 'running') AND worker_id = ?
		`), maxRetries, maxRetries, maxRetries, now, reason, now, jobID, workerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errRollback
		}

		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM jobs WHERE id = ?`), jobID).Scan(&status); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	return status, ok, nil
}

// CancelJob cancels a job that has not finished yet
func (s *SQLStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	now := s.now()
	var affected int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE jobs SET status = 'canceled', finished_at = ?, updated_at = ?
			WHERE id = ? AND status IN ('queued', 'claimed', 'running')
		`), now, now, jobID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}, 5)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	return affected == 1, nil
}

// FailExhaustedJobs fails queued jobs whose retry count is over the limit
func (s *SQLStore) FailExhaustedJobs(ctx context.Context, maxRetries int) (int, error) {
	now := s.now()
	var affected int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE jobs SET status = 'failed', finished_at = ?, updated_at = ?, error_message = 'retry limit exceeded'
			WHERE status = 'queued' AND retry_count > ?
		`), now, now, maxRetries)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}, 5)
	if err != nil {
		return 0, fmt.Errorf("failed to fail exhausted jobs: %w", err)
	}
	return int(affected), nil
}

// ListOrphanedJobs returns held jobs whose holder no longer holds them
func (s *SQLStore) ListOrphanedJobs(ctx context.Context) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('claimed', 'running')
		  AND NOT EXISTS (
			SELECT 1 FROM workers w
			WHERE w.id = jobs.worker_id AND w.status = 'busy' AND w.current_job_id = jobs.id
		  )
		ORDER BY created_at ASC`
	return s.queryJobs(ctx, query)
}

// CreateWorker inserts a worker record, provisioning unless a status is given
func (s *SQLStore) CreateWorker(ctx context.Context, w *models.Worker) error {
	now := s.clock.Now()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = models.WorkerStatusProvisioning
	}
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = now
	}
	w.CreatedAt = now
	w.UpdatedAt = now

	query := s.rebind(`
		INSERT INTO workers (` + workerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	err := s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, query,
			w.ID, w.OrgID, w.Kind, w.Status, w.InstanceID, w.Image,
			w.Resources.GPUType, w.Resources.GPUCount, w.Resources.MemoryMB,
			w.LastHeartbeat.UnixMilli(), nullString(w.CurrentJobID), boolInt(w.DrainRequested),
			w.CreatedAt.UnixMilli(), w.UpdatedAt.UnixMilli(),
		)
		return err
	}, 5)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	return nil
}

// RegisterWorker creates or refreshes a worker record on agent start
func (s *SQLStore) RegisterWorker(ctx context.Context, w *models.Worker) (*models.Worker, error) {
	now := s.now()
	query := s.rebind(`
		INSERT INTO workers (` + workerColumns + `)
		VALUES (?, ?, ?, 'idle', ?, ?, ?, ?, ?, ?, NULL, 0, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = CASE
				WHEN workers.status = 'provisioning' AND workers.drain_requested = 1 THEN 'draining'
				WHEN workers.status = 'provisioning' THEN 'idle'
				ELSE workers.status
			END,
			instance_id = CASE WHEN excluded.instance_id <> '' THEN excluded.instance_id ELSE workers.instance_id END,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
		WHERE workers.status <> 'terminated'
	`)
	err := s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, query,
			w.ID, w.OrgID, w.Kind, w.InstanceID, w.Image,
			w.Resources.GPUType, w.Resources.GPUCount, w.Resources.MemoryMB,
			now, now, now,
		)
		return err
	}, 5)
	if err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}

	registered, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if registered.Status == models.WorkerStatusTerminated {
		return nil, fmt.Errorf("worker %s: %w", w.ID, ErrWorkerTerminated)
	}
	return registered, nil
}

// GetWorker retrieves a worker by ID
func (s *SQLStore) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	query := s.rebind(`SELECT ` + workerColumns + ` FROM workers WHERE id = ?`)

	w, err := scanWorker(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return w, nil
}

// ListWorkers lists workers matching filter, oldest first
func (s *SQLStore) ListWorkers(ctx context.Context, filter WorkerFilter) ([]*models.Worker, error) {
	var (
		conds []string
		args  []any
	)
	if filter.OrgID != "" {
		conds = append(conds, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}

	query := `SELECT ` + workerColumns + ` FROM workers`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	return s.queryWorkers(ctx, query, args...)
}

func (s *SQLStore) queryWorkers(ctx context.Context, query string, args ...any) ([]*models.Worker, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	workers := make([]*models.Worker, 0)
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// Heartbeat records a worker's liveness and returns its status
func (s *SQLStore) Heartbeat(ctx context.Context, workerID string, ts time.Time) (models.WorkerStatus, error) {
	err := s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE workers SET last_heartbeat = ? WHERE id = ? AND status <> 'terminated'
		`), ts.UnixMilli(), workerID)
		return err
	}, 5)
	if err != nil {
		return "", fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return s.workerStatus(ctx, workerID)
}

func (s *SQLStore) workerStatus(ctx context.Context, workerID string) (models.WorkerStatus, error) {
	var status models.WorkerStatus
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM workers WHERE id = ?`), workerID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read worker status: %w", err)
	}
	return status, nil
}

// ListStaleWorkers returns workers whose last heartbeat is older than timeout
func (s *SQLStore) ListStaleWorkers(ctx context.Context, timeout time.Duration, statuses ...models.WorkerStatus) ([]*models.Worker, error) {
	if len(statuses) == 0 {
		statuses = models.LiveWorkerStatuses
	}
	cutoff := s.clock.Now().Add(-timeout).UnixMilli()

	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, cutoff)

	query := `SELECT ` + workerColumns + ` FROM workers
		WHERE status IN (` + placeholders(len(statuses)) + `) AND last_heartbeat < ?
		ORDER BY last_heartbeat ASC`
	return s.queryWorkers(ctx, query, args...)
}

// UpdateWorkerStatus moves a worker to a new status if it is in one of from
func (s *SQLStore) UpdateWorkerStatus(ctx context.Context, workerID string, from []models.WorkerStatus, to models.WorkerStatus) (bool, error) {
	if to == models.WorkerStatusBusy || len(from) == 0 {
		return false, fmt.Errorf("%w: worker -> %s", ErrInvalidTransition, to)
	}

	sets := "status = ?, updated_at = ?"
	switch to {
	case models.WorkerStatusTerminated:
		sets += ", current_job_id = NULL"
	case models.WorkerStatusDraining:
		sets += ", drain_requested = 1"
	}

	args := []any{to, s.now(), workerID}
	for _, st := range from {
		args = append(args, st)
	}
	query := `UPDATE workers SET ` + sets + ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`

	var affected int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}, 5)
	if err != nil {
		return false, fmt.Errorf("failed to update worker %s: %w", workerID, err)
	}
	return affected == 1, nil
}

// SetWorkerInstance records the cloud instance backing a worker
func (s *SQLStore) SetWorkerInstance(ctx context.Context, workerID, instanceID string) error {
	var affected int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE workers SET instance_id = ? WHERE id = ?`), instanceID, workerID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}, 5)
	if err != nil {
		return fmt.Errorf("failed to set worker instance: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	return nil
}

// RequestDrain drains an idle worker now, or flags a busy/provisioning one
func (s *SQLStore) RequestDrain(ctx context.Context, workerID string) (bool, error) {
	requested := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE workers SET status = 'draining', drain_requested = 1, updated_at = ?
			WHERE id = ? AND status = 'idle'
		`), now, workerID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			requested = true
			return nil
		}

		res, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE workers SET drain_requested = 1, updated_at = ?
			WHERE id = ? AND status IN ('busy', 'provisioning')
		`), now, workerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		requested = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to drain worker %s: %w", workerID, err)
	}
	return requested, nil
}

// ReleaseWorker frees a busy worker after its job ended
func (s *SQLStore) ReleaseWorker(ctx context.Context, workerID, jobID string) (models.WorkerStatus, error) {
	err := s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE workers SET
				status = CASE WHEN drain_requested = 1 THEN 'draining' ELSE 'idle' END,
				current_job_id = NULL,
				updated_at = ?
			WHERE id = ? AND status = 'busy' AND current_job_id = ?
		`), s.now(), workerID, jobID)
		return err
	}, 5)
	if err != nil {
		return "", fmt.Errorf("failed to release worker %s: %w", workerID, err)
	}
	return s.workerStatus(ctx, workerID)
}

// UpsertOrganization creates or updates an organization
func (s *SQLStore) UpsertOrganization(ctx context.Context, org *models.Organization) error {
	if org.CreatedAt.IsZero() {
		org.CreatedAt = s.clock.Now()
	}
	err := s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO organizations (id, name, worker_quota, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, worker_quota = excluded.worker_quota
		`), org.ID, org.Name, org.WorkerQuota, org.CreatedAt.UnixMilli())
		return err
	}, 5)
	if err != nil {
		return fmt.Errorf("failed to save organization: %w", err)
	}
	return nil
}

// ListOrganizations lists all organizations
func (s *SQLStore) ListOrganizations(ctx context.Context) ([]*models.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, worker_quota, created_at FROM organizations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	orgs := make([]*models.Organization, 0)
	for rows.Next() {
		var (
			org       models.Organization
			createdAt int64
		)
		if err := rows.Scan(&org.ID, &org.Name, &org.WorkerQuota, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		org.CreatedAt = fromMillis(createdAt)
		orgs = append(orgs, &org)
	}
	return orgs, rows.Err()
}

// PutSecret stores a secret for an organization
func (s *SQLStore) PutSecret(ctx context.Context, orgID, name, value string) error {
	err := s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO secrets (org_id, name, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (org_id, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`), orgID, name, value, s.now())
		return err
	}, 5)
	if err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// ListSecrets returns the secrets of one organization
func (s *SQLStore) ListSecrets(ctx context.Context, orgID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT name, value FROM secrets WHERE org_id = ?`), orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	secrets := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		secrets[name] = value
	}
	return secrets, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
