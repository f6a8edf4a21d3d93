package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/jobsupervisor/internal/future"
	"github.com/seantiz/jobsupervisor/internal/model"
	"github.com/seantiz/jobsupervisor/internal/protocol"
)

type outstandingOp struct {
	opID  string
	jobID string
	sent  bool
}

// Session is the supervisor-side handle for one agent. It owns the
// agent's outbound queue and knows which ops are outstanding on it.
// Operations are written to the channel in Push order by Run.
type Session struct {
	id     string
	class  string
	logger *slog.Logger

	mu          sync.Mutex
	conn        protocol.Conn
	bound       *future.Future[protocol.Conn]
	queue       []protocol.OpMessage
	outstanding []outstandingOp
	wake        chan struct{}
}

// NewSession creates an unbound session for agentID serving class.
func NewSession(agentID, class string, logger *slog.Logger) *Session {
	return &Session{
		id:     agentID,
		class:  class,
		logger: logger.With("agent_id", agentID),
		bound:  future.New[protocol.Conn](),
		wake:   make(chan struct{}, 1),
	}
}

// AgentID returns the agent's id.
func (s *Session) AgentID() string { return s.id }

// Class returns the resource class the agent serves.
func (s *Session) Class() string { return s.class }

// Bind attaches conn as the agent's live channel. Binding the channel that
// is already bound is a no-op and returns false.
func (s *Session) Bind(conn protocol.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == conn {
		return false
	}
	if s.conn != nil {
		s.logger.Warn("agent reconnected without closing previous channel")
		s.bound = future.New[protocol.Conn]()
	}
	s.conn = conn
	_ = s.bound.Resolve(conn)
	s.signal()
	return true
}

// Unbind detaches conn if it is the live channel. It returns the ids of ops
// already written to conn; those replies can no longer arrive. Unsent ops
// stay queued for the next binding.
func (s *Session) Unbind(conn protocol.Conn) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn != conn {
		return nil
	}
	s.conn = nil
	s.bound = future.New[protocol.Conn]()

	var lost []string
	kept := s.outstanding[:0]
	for _, o := range s.outstanding {
		if o.sent {
			lost = append(lost, o.opID)
			continue
		}
		kept = append(kept, o)
	}
	s.outstanding = kept
	return lost
}

// Bound reports whether the agent currently has a live channel.
func (s *Session) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Push queues msg for delivery and records it as outstanding.
func (s *Session) Push(msg protocol.OpMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.outstanding = append(s.outstanding, outstandingOp{opID: msg.OpID, jobID: msg.JobID})
	s.mu.Unlock()
	s.signal()
}

// Done forgets opID. An op that was never written is dropped from the
// queue.
func (s *Session) Done(opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, o := range s.outstanding {
		if o.opID == opID {
			s.outstanding = append(s.outstanding[:i], s.outstanding[i+1:]...)
			break
		}
	}
	for i, m := range s.queue {
		if m.OpID == opID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// OldestFor returns the oldest op for jobID that has been written to the
// agent and not yet answered.
func (s *Session) OldestFor(jobID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.outstanding {
		if o.sent && o.jobID == jobID {
			return o.opID, true
		}
	}
	return "", false
}

// Owns reports whether opID is outstanding on this session.
func (s *Session) Owns(opID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.outstanding {
		if o.opID == opID {
			return true
		}
	}
	return false
}

// Info returns a snapshot of the session for introspection.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		AgentID:       s.id,
		ResourceClass: s.class,
		Bound:         s.conn != nil,
		Queued:        len(s.queue),
		Outstanding:   len(s.outstanding),
	}
}

// Run delivers queued ops in order until ctx is done. Before each write it
// waits up to bindTimeout for a bound channel; an op that cannot be
// delivered is dropped and reported through fail.
func (s *Session) Run(ctx context.Context, bindTimeout time.Duration, fail func(opID string, err error)) {
	for {
		msg, ok := s.head()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		conn, err := s.waitBound(ctx, bindTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Done(msg.OpID)
			fail(msg.OpID, fmt.Errorf("no channel for agent %s within %s: %w", s.id, bindTimeout, model.ErrAgentUnreachable))
			continue
		}

		if !s.take(msg.OpID) {
			// Abandoned while waiting for the channel.
			continue
		}

		if err := conn.Send(ctx, msg); err != nil {
			s.logger.Error("failed to deliver op", "op_id", msg.OpID, "job_id", msg.JobID, "error", err)
			s.Done(msg.OpID)
			_ = conn.Close()
			fail(msg.OpID, fmt.Errorf("deliver op to agent %s: %v: %w", s.id, err, model.ErrAgentUnreachable))
			continue
		}
		s.logger.Debug("op delivered", "op_id", msg.OpID, "job_id", msg.JobID, "kind", msg.Kind)
	}
}

func (s *Session) head() (protocol.OpMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return protocol.OpMessage{}, false
	}
	return s.queue[0], true
}

// take pops opID from the head of the queue and marks it sent.
func (s *Session) take(opID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 || s.queue[0].OpID != opID {
		return false
	}
	s.queue = s.queue[1:]
	for i := range s.outstanding {
		if s.outstanding[i].opID == opID {
			s.outstanding[i].sent = true
			break
		}
	}
	return true
}

func (s *Session) waitBound(ctx context.Context, timeout time.Duration) (protocol.Conn, error) {
	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return bound.Wait(ctx)
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
