package store

import (
	"context"
	"fmt"

	"github.com/seantiz/jobsupervisor/internal/model"
)

// ErrNotFound is returned when a job is not in the journal.
var ErrNotFound = fmt.Errorf("job %w", model.ErrNotFound)

// JobStats holds aggregate journal statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByClass  map[string]int `json:"count_by_class"`
	Events        int            `json:"events"`
}

// Store is the write-through journal of job records and their status
// history. It is never read back into the ledger.
type Store interface {
	UpsertJob(ctx context.Context, rec model.JobRecord) error
	GetJob(ctx context.Context, jobID string) (model.JobRecord, error)
	ListJobs(ctx context.Context, limit, offset int) ([]model.JobRecord, int, error)
	InsertJobEvent(ctx context.Context, ev *model.JobEvent) error
	GetJobEvents(ctx context.Context, jobID string) ([]model.JobEvent, error)
	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}
