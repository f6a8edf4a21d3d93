package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/jobsupervisor/internal/ledger"
	"github.com/seantiz/jobsupervisor/internal/model"
)

func getStats(t *testing.T, ts *httptest.Server) statsResponse {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return stats
}

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	stats := getStats(t, ts)
	if stats.Total != 0 || stats.Events != 0 {
		t.Errorf("total = %d events = %d, want 0", stats.Total, stats.Events)
	}
	if stats.Agents != 2 || stats.BoundAgents != 0 {
		t.Errorf("agents = %d bound = %d, want 2 and 0", stats.Agents, stats.BoundAgents)
	}
	if len(stats.Queues) != len(model.ResourceClasses) {
		t.Errorf("got %d queues, want %d", len(stats.Queues), len(model.ResourceClasses))
	}
	if !stats.Journaled {
		t.Error("journaled = false with a store configured")
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)

	for _, id := range []string{"srw-s-a", "srw-s-b", "srw-s-c"} {
		srv.ledger.RecordRunStart(id, "h1", seqAgent, model.ClassSequential, model.StatusRunning, time.Time{})
	}
	srv.ledger.RecordRunStart("srw-s-animation", "h2", parAgent, model.ClassParallel, model.StatusRunning, time.Time{})
	srv.ledger.RecordStatusUpdate("srw-s-a", ledger.Update{Status: model.StatusCompleted})
	srv.ledger.RecordStatusUpdate("srw-s-b", ledger.Update{Status: model.StatusError, Error: "boom"})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	stats := getStats(t, ts)
	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus[model.StatusRunning] != 2 || stats.ByStatus[model.StatusCompleted] != 1 || stats.ByStatus[model.StatusError] != 1 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
	if stats.ByClass[model.ClassSequential] != 3 || stats.ByClass[model.ClassParallel] != 1 {
		t.Errorf("by_class = %v", stats.ByClass)
	}
	if stats.Events != 6 {
		t.Errorf("events = %d, want 6", stats.Events)
	}
}

func TestGetStatsWithoutJournal(t *testing.T) {
	srv := newTestServer(t)
	srv.store = nil
	srv.ledger.GetOrCreate("srw-s-a")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	stats := getStats(t, ts)
	if stats.Journaled {
		t.Error("journaled = true without a store")
	}
	if stats.Total != 1 || stats.ByStatus[model.StatusMissing] != 1 {
		t.Errorf("stats = %+v, want one missing job", stats)
	}
}
