package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seantiz/jobsupervisor/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestJob(jobID string) model.JobRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return model.JobRecord{
		JobID:          jobID,
		Status:         model.StatusRunning,
		Fingerprint:    "h1",
		AgentID:        "agent-seq",
		ResourceClass:  model.ClassSequential,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

func TestUpsertAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := makeTestJob("srw-sim01-intensityReport")

	if err := s.UpsertJob(ctx, rec); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}

	got, err := s.GetJob(ctx, rec.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != rec.Status {
		t.Errorf("Status = %q, want %q", got.Status, rec.Status)
	}
	if got.Fingerprint != rec.Fingerprint {
		t.Errorf("Fingerprint = %q, want %q", got.Fingerprint, rec.Fingerprint)
	}
	if got.AgentID != rec.AgentID {
		t.Errorf("AgentID = %q, want %q", got.AgentID, rec.AgentID)
	}
	if !got.StartTime.Equal(rec.StartTime) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, rec.StartTime)
	}
}

func TestUpsertJobReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := makeTestJob("srw-sim01-intensityReport")

	if err := s.UpsertJob(ctx, rec); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	rec.Status = model.StatusError
	rec.Error = "solver diverged"
	rec.Fingerprint = "h2"
	if err := s.UpsertJob(ctx, rec); err != nil {
		t.Fatalf("second UpsertJob: %v", err)
	}

	got, err := s.GetJob(ctx, rec.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.StatusError || got.Error != "solver diverged" || got.Fingerprint != "h2" {
		t.Errorf("GetJob = %+v, want replaced fields", got)
	}

	_, total, err := s.ListJobs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestUpsertJobWithoutStartTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := makeTestJob("srw-sim01-fluxReport")
	rec.Status = model.StatusMissing
	rec.StartTime = time.Time{}

	if err := s.UpsertJob(ctx, rec); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	got, err := s.GetJob(ctx, rec.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !got.StartTime.IsZero() {
		t.Errorf("StartTime = %v, want zero", got.StartTime)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob error = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetJob error = %v, want it to match model.ErrNotFound", err)
	}
}

func TestListJobsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert 5 jobs with staggered update times.
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		rec := makeTestJob(fmt.Sprintf("srw-sim0%d-report", i))
		rec.LastUpdateTime = base.Add(time.Duration(i) * time.Second)
		if err := s.UpsertJob(ctx, rec); err != nil {
			t.Fatalf("UpsertJob[%d]: %v", i, err)
		}
	}

	jobs, total, err := s.ListJobs(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].JobID != "srw-sim04-report" {
		t.Errorf("first job = %q, want most recently updated", jobs[0].JobID)
	}

	jobs2, _, err := s.ListJobs(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListJobs page 3: %v", err)
	}
	if len(jobs2) != 1 || jobs2[0].JobID != "srw-sim00-report" {
		t.Errorf("last page = %+v, want only srw-sim00-report", jobs2)
	}
}

func TestListJobsEmpty(t *testing.T) {
	s := newTestStore(t)

	jobs, total, err := s.ListJobs(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 0 || len(jobs) != 0 {
		t.Errorf("ListJobs = (%d jobs, total %d), want empty", len(jobs), total)
	}
}

func TestInsertAndGetJobEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	statuses := []string{model.StatusPending, model.StatusRunning, model.StatusCompleted}
	for i, st := range statuses {
		ev := &model.JobEvent{JobID: "j1", Status: st, Fingerprint: "h1", CreatedAt: now.Add(time.Duration(i) * time.Second)}
		if err := s.InsertJobEvent(ctx, ev); err != nil {
			t.Fatalf("InsertJobEvent[%d]: %v", i, err)
		}
		if ev.ID == 0 {
			t.Errorf("InsertJobEvent[%d] did not set ID", i)
		}
	}
	// Another job's history must not leak.
	if err := s.InsertJobEvent(ctx, &model.JobEvent{JobID: "j2", Status: model.StatusError, CreatedAt: now}); err != nil {
		t.Fatalf("InsertJobEvent j2: %v", err)
	}

	events, err := s.GetJobEvents(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJobEvents: %v", err)
	}
	if len(events) != len(statuses) {
		t.Fatalf("len(events) = %d, want %d", len(events), len(statuses))
	}
	for i, ev := range events {
		if ev.Status != statuses[i] {
			t.Errorf("events[%d].Status = %q, want %q", i, ev.Status, statuses[i])
		}
	}
}

func TestGetJobEventsEmpty(t *testing.T) {
	s := newTestStore(t)

	events, err := s.GetJobEvents(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("GetJobEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0", len(events))
	}
}

func TestGetJobStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobs := []struct {
		id, status, class string
	}{
		{"srw-a-r1", model.StatusRunning, model.ClassSequential},
		{"srw-a-r2", model.StatusCompleted, model.ClassSequential},
		{"srw-a-animation", model.StatusRunning, model.ClassParallel},
		{"srw-b-r1", model.StatusMissing, ""},
	}
	for _, j := range jobs {
		rec := makeTestJob(j.id)
		rec.Status = j.status
		rec.ResourceClass = j.class
		if err := s.UpsertJob(ctx, rec); err != nil {
			t.Fatalf("UpsertJob %s: %v", j.id, err)
		}
	}
	if err := s.InsertJobEvent(ctx, &model.JobEvent{JobID: "srw-a-r1", Status: model.StatusRunning, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("InsertJobEvent: %v", err)
	}

	stats, err := s.GetJobStats(ctx)
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusRunning] != 2 {
		t.Errorf("running = %d, want 2", stats.CountByStatus[model.StatusRunning])
	}
	if stats.CountByClass[model.ClassSequential] != 2 || stats.CountByClass[model.ClassParallel] != 1 {
		t.Errorf("CountByClass = %v", stats.CountByClass)
	}
	if _, ok := stats.CountByClass[""]; ok {
		t.Error("CountByClass contains an empty class")
	}
	if stats.Events != 1 {
		t.Errorf("Events = %d, want 1", stats.Events)
	}
}

func TestGetJobStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetJobStats(context.Background())
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}
	if stats.Total != 0 || len(stats.CountByStatus) != 0 {
		t.Errorf("stats = %+v, want empty", stats)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s := newTestStore(t)

	// Re-running the migrations on the same connection must not fail.
	for _, stmt := range []string{createJobsTable, createJobEventsTable, createJobEventsIndex} {
		if _, err := s.db.Exec(stmt); err != nil {
			t.Fatalf("second migration: %v", err)
		}
	}
}
