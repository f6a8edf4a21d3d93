package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/jobsupervisor/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id           TEXT PRIMARY KEY,
    status           TEXT NOT NULL,
    fingerprint      TEXT NOT NULL DEFAULT '',
    agent_id         TEXT NOT NULL DEFAULT '',
    resource_class   TEXT NOT NULL DEFAULT '',
    error            TEXT NOT NULL DEFAULT '',
    start_time       DATETIME,
    last_update_time DATETIME NOT NULL
)`

const createJobEventsTable = `
CREATE TABLE IF NOT EXISTS job_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id      TEXT NOT NULL,
    status      TEXT NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    agent_id    TEXT NOT NULL DEFAULT '',
    message     TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL
)`

const createJobEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events (job_id, id)`

const jobColumns = `job_id, status, fingerprint, agent_id, resource_class, error, start_time, last_update_time`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createJobEventsTable, createJobEventsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertJob inserts rec or replaces the stored row for rec.JobID.
func (s *SQLiteStore) UpsertJob(ctx context.Context, rec model.JobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			fingerprint = excluded.fingerprint,
			agent_id = excluded.agent_id,
			resource_class = excluded.resource_class,
			error = excluded.error,
			start_time = excluded.start_time,
			last_update_time = excluded.last_update_time`,
		rec.JobID, rec.Status, rec.Fingerprint, rec.AgentID, rec.ResourceClass,
		rec.Error, nullTime(rec.StartTime), rec.LastUpdateTime.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob retrieves the journaled record for jobID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (model.JobRecord, error) {
	rec, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobRecord{}, ErrNotFound
	}
	if err != nil {
		return model.JobRecord{}, fmt.Errorf("get job: %w", err)
	}
	return rec, nil
}

// ListJobs returns a page of jobs ordered by last update, newest first,
// along with the total number of jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]model.JobRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		ORDER BY last_update_time DESC, job_id LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// InsertJobEvent appends ev to the job's history and sets ev.ID.
func (s *SQLiteStore) InsertJobEvent(ctx context.Context, ev *model.JobEvent) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, status, fingerprint, agent_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.JobID, ev.Status, ev.Fingerprint, ev.AgentID, ev.Message, ev.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("job event id: %w", err)
	}
	ev.ID = id
	return nil
}

// GetJobEvents returns the job's history in insertion order.
func (s *SQLiteStore) GetJobEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, status, fingerprint, agent_id, message, created_at
		FROM job_events WHERE job_id = ? ORDER BY id`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var events []model.JobEvent
	for rows.Next() {
		var ev model.JobEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Status, &ev.Fingerprint, &ev.AgentID, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return events, nil
}

// GetJobStats returns job counts by status and class, and the number of
// journaled events.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountByClass:  make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_events").Scan(&stats.Events); err != nil {
		return nil, fmt.Errorf("count job events: %w", err)
	}
	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "resource_class", stats.CountByClass); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills into with job counts grouped by column. column is always
// a constant from this file.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM jobs GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count jobs by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		if key == "" {
			continue
		}
		into[key] = n
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.JobRecord, error) {
	var rec model.JobRecord
	var start sql.NullTime
	if err := row.Scan(
		&rec.JobID, &rec.Status, &rec.Fingerprint, &rec.AgentID, &rec.ResourceClass,
		&rec.Error, &start, &rec.LastUpdateTime,
	); err != nil {
		return model.JobRecord{}, err
	}
	if start.Valid {
		rec.StartTime = start.Time
	}
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
