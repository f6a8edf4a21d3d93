package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/jobsupervisor/internal/model"
	"github.com/seantiz/jobsupervisor/internal/protocol"
)

// recordConn captures every op written to it.
type recordConn struct {
	sent    chan protocol.OpMessage
	mu      sync.Mutex
	failing bool
	closed  bool
}

func newRecordConn() *recordConn {
	return &recordConn{sent: make(chan protocol.OpMessage, 16)}
}

func (c *recordConn) Send(_ context.Context, msg protocol.OpMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("broken pipe")
	}
	c.sent <- msg
	return nil
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, id, class string) *Session {
	t.Helper()
	return NewSession(id, class, testLogger())
}

// runSession starts the sender loop and stops it at test cleanup.
func runSession(t *testing.T, s *Session, bindTimeout time.Duration, fail func(string, error)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, bindTimeout, fail)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func recv(t *testing.T, c *recordConn) protocol.OpMessage {
	t.Helper()
	select {
	case msg := <-c.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no op delivered")
		return protocol.OpMessage{}
	}
}

func TestSessionDeliversInPushOrder(t *testing.T) {
	s := newTestSession(t, "a1", model.ClassSequential)
	conn := newRecordConn()

	// Queued before the channel is bound.
	s.Push(protocol.OpMessage{OpID: "op1", JobID: "j1"})
	s.Push(protocol.OpMessage{OpID: "op2", JobID: "j2"})
	runSession(t, s, time.Second, func(string, error) { t.Error("unexpected fail") })

	if !s.Bind(conn) {
		t.Fatal("first Bind returned false")
	}
	s.Push(protocol.OpMessage{OpID: "op3", JobID: "j1"})

	for _, want := range []string{"op1", "op2", "op3"} {
		if got := recv(t, conn).OpID; got != want {
			t.Errorf("delivered %q, want %q", got, want)
		}
	}
}

func TestDuplicateBindIsNoop(t *testing.T) {
	s := newTestSession(t, "a1", model.ClassSequential)
	conn := newRecordConn()

	if !s.Bind(conn) {
		t.Fatal("first Bind returned false")
	}
	if s.Bind(conn) {
		t.Error("second Bind of the same channel returned true")
	}
	if !s.Bound() {
		t.Error("Bound() = false after Bind")
	}
}

func TestUnbindReturnsSentOps(t *testing.T) {
	s := newTestSession(t, "a1", model.ClassSequential)
	conn := newRecordConn()
	s.Bind(conn)
	runSession(t, s, time.Second, func(string, error) {})

	s.Push(protocol.OpMessage{OpID: "op1", JobID: "j1"})
	recv(t, conn)

	if id, ok := s.OldestFor("j1"); !ok || id != "op1" {
		t.Errorf("OldestFor(j1) = (%q, %v), want op1", id, ok)
	}

	if lost := s.Unbind(newRecordConn()); lost != nil {
		t.Errorf("Unbind of a foreign channel returned %v", lost)
	}
	lost := s.Unbind(conn)
	if len(lost) != 1 || lost[0] != "op1" {
		t.Errorf("Unbind returned %v, want [op1]", lost)
	}
	if s.Bound() || s.Owns("op1") {
		t.Error("session still bound or owning op1 after Unbind")
	}
}

func TestBindTimeoutFailsOp(t *testing.T) {
	s := newTestSession(t, "a1", model.ClassParallel)

	failed := make(chan error, 1)
	runSession(t, s, 20*time.Millisecond, func(opID string, err error) {
		if opID == "op1" {
			failed <- err
		}
	})
	s.Push(protocol.OpMessage{OpID: "op1", JobID: "j1"})

	select {
	case err := <-failed:
		if !errors.Is(err, model.ErrAgentUnreachable) {
			t.Errorf("fail error = %v, want ErrAgentUnreachable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("op never failed")
	}
	if s.Owns("op1") {
		t.Error("failed op still outstanding")
	}
}

func TestSendErrorFailsOpAndClosesConn(t *testing.T) {
	s := newTestSession(t, "a1", model.ClassSequential)
	conn := newRecordConn()
	conn.failing = true
	s.Bind(conn)

	failed := make(chan string, 1)
	runSession(t, s, time.Second, func(opID string, err error) {
		failed <- opID
	})
	s.Push(protocol.OpMessage{OpID: "op1", JobID: "j1"})

	select {
	case id := <-failed:
		if id != "op1" {
			t.Errorf("failed op = %q, want op1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("op never failed")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.closed {
		t.Error("broken channel not closed")
	}
}

func TestDoneDropsQueuedOp(t *testing.T) {
	s := newTestSession(t, "a1", model.ClassSequential)
	s.Push(protocol.OpMessage{OpID: "op1", JobID: "j1"})
	s.Push(protocol.OpMessage{OpID: "op2", JobID: "j1"})
	s.Done("op1")

	conn := newRecordConn()
	s.Bind(conn)
	runSession(t, s, time.Second, func(string, error) {})

	if got := recv(t, conn).OpID; got != "op2" {
		t.Errorf("delivered %q, want op2", got)
	}
	info := s.Info()
	if info.Queued != 0 || info.Outstanding != 1 {
		t.Errorf("Info() = %+v, want 0 queued, 1 outstanding", info)
	}
}

func TestRegistrySelect(t *testing.T) {
	reg := NewRegistry(nil)
	seqA := newTestSession(t, "seq-a", model.ClassSequential)
	seqB := newTestSession(t, "seq-b", model.ClassSequential)
	par := newTestSession(t, "par-a", model.ClassParallel)
	for _, s := range []*Session{seqB, par, seqA} {
		if err := reg.Register(s); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := reg.Register(newTestSession(t, "seq-a", model.ClassSequential)); err == nil {
		t.Error("duplicate Register succeeded")
	}

	// Nothing bound: first by id.
	if s, _ := reg.Select(model.ClassSequential, "u1", ""); s != seqA {
		t.Errorf("Select = %v, want seq-a", s.AgentID())
	}

	// A bound session is preferred.
	seqB.Bind(newRecordConn())
	if s, _ := reg.Select(model.ClassSequential, "u1", ""); s != seqB {
		t.Errorf("Select = %v, want seq-b", s.AgentID())
	}

	// The hint wins even across classes.
	if s, _ := reg.Select(model.ClassSequential, "u1", "par-a"); s != par {
		t.Errorf("Select with hint = %v, want par-a", s.AgentID())
	}

	if reg.ForAgent("nope") != nil {
		t.Error("ForAgent(unknown) != nil")
	}

	list := reg.List()
	if len(list) != 3 || list[0].AgentID != "par-a" || !list[2].Bound {
		t.Errorf("List() = %+v", list)
	}
}

func TestRegistrySelectNoAgent(t *testing.T) {
	reg := NewRegistry(nil)
	_ = reg.Register(newTestSession(t, "seq-a", model.ClassSequential))

	_, err := reg.Select(model.ClassParallel, "u1", "")
	if !errors.Is(err, model.ErrAgentUnreachable) {
		t.Errorf("Select error = %v, want ErrAgentUnreachable", err)
	}
}

func TestUserAffinity(t *testing.T) {
	sel, err := NewSelector(PolicyAffinity)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	reg := NewRegistry(sel)
	a := newTestSession(t, "a", model.ClassSequential)
	b := newTestSession(t, "b", model.ClassSequential)
	_ = reg.Register(a)
	_ = reg.Register(b)

	// u1 lands on b through a hint; later requests follow it there.
	if s, _ := reg.Select(model.ClassSequential, "u1", "b"); s != b {
		t.Fatalf("hinted Select = %s", s.AgentID())
	}
	if s, _ := reg.Select(model.ClassSequential, "u1", ""); s != b {
		t.Errorf("affinity Select = %s, want b", s.AgentID())
	}
	if s, _ := reg.Select(model.ClassSequential, "u2", ""); s != a {
		t.Errorf("fresh user Select = %s, want a", s.AgentID())
	}

	if _, err := NewSelector("random"); err == nil {
		t.Error("NewSelector accepted an unknown policy")
	}
}
