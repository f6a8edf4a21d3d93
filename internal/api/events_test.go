package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/jobsupervisor/internal/ledger"
	"github.com/seantiz/jobsupervisor/internal/model"
)

const eventsJob = "srw-sim01-intensityReport"

func TestStreamEventsNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/nonexistent/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// sseEvent reads the next SSE event from sc.
func sseEvent(t *testing.T, sc *bufio.Scanner) (string, string) {
	t.Helper()
	var name string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "" && name != "":
			return name, strings.Join(data, "\n")
		}
	}
	t.Fatalf("stream ended before an event: %v", sc.Err())
	return "", ""
}

func TestStreamEventsReceivesStatusChanges(t *testing.T) {
	srv := newTestServer(t)
	srv.ledger.RecordRunStart(eventsJob, "h1", seqAgent, model.ClassSequential, model.StatusRunning, time.Time{})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/jobs/"+eventsJob+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	name, data := sseEvent(t, sc)
	var snap model.JobRecord
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if name != "snapshot" || snap.Status != model.StatusRunning {
		t.Errorf("first event = %s %+v, want running snapshot", name, snap)
	}

	// The snapshot is written after subscribing, so this change is seen.
	srv.ledger.RecordStatusUpdate(eventsJob, ledger.Update{Status: model.StatusCompleted})

	name, data = sseEvent(t, sc)
	var ev model.JobEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if name != "status" || ev.Status != model.StatusCompleted || ev.JobID != eventsJob {
		t.Errorf("second event = %s %+v, want completed status", name, ev)
	}
}

func TestGetHistory(t *testing.T) {
	srv := newTestServer(t)
	srv.ledger.RecordRunStart(eventsJob, "h1", seqAgent, model.ClassSequential, model.StatusRunning, time.Time{})
	srv.ledger.RecordStatusUpdate(eventsJob, ledger.Update{Status: model.StatusCompleted})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/" + eventsJob + "/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(body.Events), body.Events)
	}
	if body.Events[0].Status != model.StatusRunning || body.Events[1].Status != model.StatusCompleted {
		t.Errorf("events = %+v, want running then completed", body.Events)
	}
}

func TestGetHistoryNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/srw-sim01-nothing/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobsPagination(t *testing.T) {
	srv := newTestServer(t)
	for _, id := range []string{"srw-s-a", "srw-s-b", "srw-s-c"} {
		srv.ledger.GetOrCreate(id)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs?limit=2&offset=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body listJobsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 3 || len(body.Jobs) != 2 {
		t.Fatalf("total=%d jobs=%d, want 3 and 2", body.Total, len(body.Jobs))
	}
	if body.Jobs[0].JobID != "srw-s-b" || body.Jobs[1].JobID != "srw-s-c" {
		t.Errorf("jobs = %s, %s", body.Jobs[0].JobID, body.Jobs[1].JobID)
	}

	resp2, err := http.Get(ts.URL + "/v1/jobs?offset=10")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	var empty listJobsResponse
	if err := json.NewDecoder(resp2.Body).Decode(&empty); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if empty.Jobs == nil || len(empty.Jobs) != 0 {
		t.Errorf("jobs past the end = %v, want empty list", empty.Jobs)
	}
}

func TestListJobsFilters(t *testing.T) {
	srv := newTestServer(t)
	srv.ledger.RecordRunStart("srw-s-par", "f1", parAgent, model.ClassParallel, model.StatusRunning, time.Time{})
	srv.ledger.RecordRunStart("srw-s-seq", "f2", seqAgent, model.ClassSequential, model.StatusRunning, time.Time{})
	srv.ledger.RecordStatusUpdate("srw-s-seq", ledger.Update{Status: model.StatusCompleted})
	srv.ledger.GetOrCreate("srw-s-new")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		query string
		want  []string
	}{
		{"status=running", []string{"srw-s-par"}},
		{"resource_class=sequential", []string{"srw-s-seq"}},
		{"status=completed&resource_class=parallel", nil},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + "/v1/jobs?" + tt.query)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var body listJobsResponse
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		var got []string
		for _, j := range body.Jobs {
			got = append(got, j.JobID)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" || body.Total != len(tt.want) {
			t.Errorf("%s: total %d, jobs mismatch (-want +got):\n%s", tt.query, body.Total, diff)
		}
	}

	resp, err := http.Get(ts.URL + "/v1/jobs?status=bogus")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown status filter = %d, want 400", resp.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/srw-sim01-nothing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
