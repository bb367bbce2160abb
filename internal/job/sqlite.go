package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const jobColumns = `id, status, priority, job_type, input_ref, parameters,
	retry_count, max_retries, progress_percent, current_stage, result, last_error,
	created_at, started_at, completed_at`

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
	// mu serializes writers so read-modify-write sequences never interleave.
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
// ":memory:" yields a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			status           TEXT NOT NULL DEFAULT 'pending',
			priority         INTEGER NOT NULL DEFAULT 2,
			job_type         TEXT NOT NULL,
			input_ref        TEXT NOT NULL,
			parameters       TEXT,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			max_retries      INTEGER NOT NULL DEFAULT 0,
			progress_percent INTEGER NOT NULL DEFAULT 0,
			current_stage    TEXT NOT NULL DEFAULT '',
			result           TEXT,
			last_error       TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL,
			started_at       DATETIME,
			completed_at     DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status       ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_priority     ON jobs(priority DESC, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_input_ref    ON jobs(input_ref);

		CREATE TABLE IF NOT EXISTS progress_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id     TEXT NOT NULL,
			stage      TEXT NOT NULL DEFAULT '',
			percent    INTEGER NOT NULL,
			data       TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_progress_job_id ON progress_log(job_id);

		CREATE TABLE IF NOT EXISTS metrics_samples (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_length   INTEGER NOT NULL,
			active_jobs    INTEGER NOT NULL,
			memory_percent REAL NOT NULL,
			cpu_percent    REAL NOT NULL,
			disk_percent   REAL NOT NULL,
			error_rate     REAL NOT NULL,
			goroutines     INTEGER NOT NULL DEFAULT 0,
			created_at     DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_metrics_created_at ON metrics_samples(created_at);

		CREATE TABLE IF NOT EXISTS inputs_seen (
			input_ref  TEXT PRIMARY KEY,
			first_seen DATETIME NOT NULL
		);
		INSERT OR IGNORE INTO inputs_seen (input_ref, first_seen)
			SELECT input_ref, MIN(created_at) FROM jobs GROUP BY input_ref;
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	params, err := marshalMap(j.Parameters)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create job: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		j.ID, j.Status, j.Priority, j.JobType, j.InputRef, params,
		j.RetryCount, j.MaxRetries, j.ProgressPercent, j.CurrentStage,
		nullableJSON(j.Result), j.LastError,
		j.CreatedAt.UTC(), nullableTime(j.StartedAt), nullableTime(j.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("create job %s: %w", j.ID, ErrDuplicate)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inputs_seen (input_ref, first_seen) VALUES (?, ?)
		ON CONFLICT(input_ref) DO NOTHING
	`, j.InputRef, j.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("record input %s: %w", j.InputRef, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create job: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(ctx, s.db, j)
}

func (s *SQLiteStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mutate job %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mutate job %s: %w", id, err)
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	j.ID = id
	if err := update(ctx, tx, j); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mutate job %s: commit: %w", id, err)
	}
	return j, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func update(ctx context.Context, db execer, j *Job) error {
	params, err := marshalMap(j.Parameters)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, priority = ?, job_type = ?, input_ref = ?, parameters = ?,
			retry_count = ?, max_retries = ?, progress_percent = ?, current_stage = ?,
			result = ?, last_error = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`,
		j.Status, j.Priority, j.JobType, j.InputRef, params,
		j.RetryCount, j.MaxRetries, j.ProgressPercent, j.CurrentStage,
		nullableJSON(j.Result), j.LastError, nullableTime(j.StartedAt), nullableTime(j.CompletedAt),
		j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	where, args := statusFilter(statuses)
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY `+dequeueOrder, args...)
}

// List returns one page of jobs in dequeue order, optionally filtered by
// status, and the total number of matching jobs. limit defaults to 20 and is
// capped at MaxPageSize.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int, statuses ...Status) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	where, args := statusFilter(statuses)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY `+dequeueOrder+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

const dequeueOrder = `priority DESC, created_at ASC, rowid ASC`

func statusFilter(statuses []Status) (string, []any) {
	if len(statuses) == 0 {
		return "", nil
	}
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, st)
	}
	return ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`, args
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// ExistsByInput reads inputs_seen, which retention cleanup leaves intact.
func (s *SQLiteStore) ExistsByInput(ctx context.Context, ref string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inputs_seen WHERE input_ref = ?`, ref).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup input %s: %w", ref, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) AppendProgress(ctx context.Context, e *ProgressEntry) error {
	data, err := marshalMap(e.Data)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO progress_log (job_id, stage, percent, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.JobID, e.Stage, e.Percent, data, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append progress for job %s: %w", e.JobID, err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ProgressLog(ctx context.Context, jobID string) ([]*ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, stage, percent, data, created_at
		FROM progress_log WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query progress for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var entries []*ProgressEntry
	for rows.Next() {
		e := &ProgressEntry{}
		var data sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.Stage, &e.Percent, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decode progress data: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: begin: %w", err)
	}
	defer tx.Rollback()

	const terminal = `status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`
	args := []any{StatusCompleted, StatusFailed, StatusCancelled, cutoff.UTC()}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM progress_log WHERE job_id IN (SELECT id FROM jobs WHERE `+terminal+`)`, args...); err != nil {
		return 0, fmt.Errorf("delete progress of terminal jobs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+terminal, args...)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete terminal jobs: commit: %w", err)
	}
	return n, nil
}

// ResetRunning moves all jobs stuck in "running" or "retrying" back to "pending".
// Returns the IDs of the affected jobs so the caller can re-enqueue them.
func (s *SQLiteStore) ResetRunning(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status IN (?, ?) ORDER BY priority DESC, created_at ASC`,
		StatusRunning, StatusRetrying)
	if err != nil {
		return nil, fmt.Errorf("query running jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running jobs: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = NULL, progress_percent = 0, current_stage = ''
		WHERE status IN (?, ?)
	`, StatusPending, StatusRunning, StatusRetrying)
	if err != nil {
		return nil, fmt.Errorf("reset running jobs: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) AppendMetrics(ctx context.Context, m *MetricsSample) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_samples
			(queue_length, active_jobs, memory_percent, cpu_percent, disk_percent, error_rate, goroutines, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.QueueLength, m.ActiveJobs, m.MemoryPercent, m.CPUPercent, m.DiskPercent,
		m.ErrorRate, m.Goroutines, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append metrics sample: %w", err)
	}
	return nil
}

// RecentMetrics returns up to limit samples, newest first.
func (s *SQLiteStore) RecentMetrics(ctx context.Context, limit int) ([]*MetricsSample, error) {
	if limit <= 0 {
		limit = 60
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_length, active_jobs, memory_percent, cpu_percent, disk_percent,
		       error_rate, goroutines, created_at
		FROM metrics_samples ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var samples []*MetricsSample
	for rows.Next() {
		m := &MetricsSample{}
		if err := rows.Scan(&m.QueueLength, &m.ActiveJobs, &m.MemoryPercent, &m.CPUPercent,
			&m.DiskPercent, &m.ErrorRate, &m.Goroutines, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		samples = append(samples, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return samples, nil
}

func (s *SQLiteStore) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM metrics_samples WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete metrics samples: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var params, result sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Status, &j.Priority, &j.JobType, &j.InputRef, &params,
		&j.RetryCount, &j.MaxRetries, &j.ProgressPercent, &j.CurrentStage,
		&result, &j.LastError, &j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &j.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode map: %w", err)
	}
	return string(b), nil
}

// nullableJSON returns nil if b is empty, otherwise returns the raw bytes as a string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
