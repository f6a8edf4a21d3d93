package dispatcher

import (
	"testing"

	"github.com/seantiz/jobsupervisor/internal/model"
)

func queued(uid, jobID string) *pending {
	return &pending{req: model.Request{UID: uid, JobID: jobID}}
}

func TestAdmitRoundRobin(t *testing.T) {
	q := newClassQueue(model.ClassSequential, 0)
	q.push(queued("u1", "a1"))
	q.push(queued("u1", "a2"))
	q.push(queued("u2", "b1"))
	q.push(queued("u3", "c1"))

	var order []string
	for p := q.admit(); p != nil; p = q.admit() {
		order = append(order, p.req.JobID)
	}
	// u1's second request waits for its first.
	want := []string{"a1", "b1", "c1"}
	if len(order) != len(want) {
		t.Fatalf("admitted %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("admitted[%d] = %q, want %q", i, order[i], want[i])
		}
	}

	q.release("u1")
	if p := q.admit(); p == nil || p.req.JobID != "a2" {
		t.Errorf("after release admitted %v, want a2", p)
	}
}

func TestAdmitHonoursLimit(t *testing.T) {
	q := newClassQueue(model.ClassParallel, 1)
	q.push(queued("u1", "a1"))
	q.push(queued("u2", "b1"))

	if p := q.admit(); p == nil || p.req.JobID != "a1" {
		t.Fatalf("first admit = %v, want a1", p)
	}
	if p := q.admit(); p != nil {
		t.Fatalf("admitted %q past the class limit", p.req.JobID)
	}
	q.release("u1")
	if p := q.admit(); p == nil || p.req.JobID != "b1" {
		t.Errorf("admit after release = %v, want b1", p)
	}
}

func TestRoundRobinCursorAdvances(t *testing.T) {
	q := newClassQueue(model.ClassParallel, 1)
	for _, uid := range []string{"u1", "u2", "u3"} {
		q.push(queued(uid, uid+"-1"))
		q.push(queued(uid, uid+"-2"))
	}

	var order []string
	for range 6 {
		p := q.admit()
		if p == nil {
			t.Fatalf("admit returned nil after %v", order)
		}
		order = append(order, p.req.JobID)
		q.release(p.req.UID)
	}
	want := []string{"u1-1", "u2-1", "u3-1", "u1-2", "u2-2", "u3-2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestReleasePrunesIdleUsers(t *testing.T) {
	q := newClassQueue(model.ClassSequential, 0)
	q.push(queued("u1", "a1"))
	q.push(queued("u2", "b1"))

	q.admit()
	q.admit()
	q.release("u1")
	q.release("u2")

	if len(q.users) != 0 || len(q.index) != 0 || q.inFlight != 0 {
		t.Errorf("queue not empty: users=%d index=%d inFlight=%d", len(q.users), len(q.index), q.inFlight)
	}
	if q.next != 0 {
		t.Errorf("next = %d, want 0", q.next)
	}
	q.release("ghost") // unknown users are ignored
}

func TestDrainKeepsInFlightUsers(t *testing.T) {
	q := newClassQueue(model.ClassSequential, 0)
	q.push(queued("u1", "a1"))
	q.push(queued("u1", "a2"))
	q.push(queued("u2", "b1"))
	q.admit()

	dropped := q.drain()
	if len(dropped) != 2 || dropped[0].req.JobID != "a2" || dropped[1].req.JobID != "b1" {
		t.Fatalf("drained %d requests, want a2 and b1", len(dropped))
	}
	if q.queued() != 0 || len(q.users) != 1 || q.index["u1"] == nil || q.index["u2"] != nil {
		t.Errorf("after drain: queued=%d users=%d", q.queued(), len(q.users))
	}

	q.release("u1")
	if len(q.users) != 0 || q.inFlight != 0 {
		t.Errorf("after release: users=%d inFlight=%d", len(q.users), q.inFlight)
	}
}
