package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/jobsupervisor/internal/future"
	"github.com/seantiz/jobsupervisor/internal/model"
	"github.com/seantiz/jobsupervisor/internal/protocol"
)

// DefaultRetireTTL is how long a retired op id is remembered so that a
// late reply can be told apart from a reply that was never issued.
const DefaultRetireTTL = 10 * time.Minute

// ErrLateReply is returned by Resolve for a reply whose operation already
// timed out, failed, or was answered and collected.
var ErrLateReply = errors.New("late reply for retired operation")

// Outbox accepts operations for delivery to one agent in push order.
type Outbox interface {
	AgentID() string
	Push(msg protocol.OpMessage)
}

type op struct {
	id      string
	agentID string
	jobID   string
	kind    string
	created time.Time
	result  *future.Future[model.Reply]
}

type retiredOp struct {
	id string
	at time.Time
}

// Correlator issues operation ids and routes each agent reply to the one
// request waiting on that id.
type Correlator struct {
	mu        sync.Mutex
	ops       map[string]*op
	retired   map[string]time.Time
	// expiry holds retired ids oldest first, so a sweep stops at the
	// first id still inside the TTL.
	expiry    []retiredOp
	retireTTL time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// New creates an empty correlator.
func New(logger *slog.Logger) *Correlator {
	return &Correlator{
		ops:       make(map[string]*op),
		retired:   make(map[string]time.Time),
		retireTTL: DefaultRetireTTL,
		now:       time.Now,
		logger:    logger,
	}
}

// Register allocates a fresh op id bound to agentID and jobID.
func (c *Correlator) Register(agentID, jobID, kind string) string {
	o := &op{
		id:      model.NewID(),
		agentID: agentID,
		jobID:   jobID,
		kind:    kind,
		created: c.now(),
		result:  future.New[model.Reply](),
	}

	c.mu.Lock()
	c.ops[o.id] = o
	n := len(c.ops)
	c.mu.Unlock()

	opsOutstanding.Set(float64(n))
	return o.id
}

// Send registers msg under a fresh op id and pushes it to box. The id is
// returned so the caller can Await the reply.
func (c *Correlator) Send(box Outbox, msg protocol.OpMessage) string {
	msg.OpID = c.Register(box.AgentID(), msg.JobID, msg.Kind)
	c.logger.Debug("op sent",
		"op_id", msg.OpID,
		"agent_id", box.AgentID(),
		"job_id", msg.JobID,
		"kind", msg.Kind,
	)
	box.Push(msg)
	return msg.OpID
}

// Await blocks until the op is resolved, timeout elapses, or ctx is done.
// The op id is retired when Await returns, whatever the outcome. A zero
// timeout waits on ctx alone.
func (c *Correlator) Await(ctx context.Context, opID string, timeout time.Duration) (model.Reply, error) {
	c.mu.Lock()
	o, ok := c.ops[opID]
	c.mu.Unlock()
	if !ok {
		return model.Reply{}, fmt.Errorf("await op %s: %w", opID, ErrLateReply)
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	_, _ = o.result.Wait(waitCtx)
	c.retire(o)

	// Once retired the op can no longer be settled, so Resolved is final.
	if o.result.Resolved() {
		reply, err := o.result.Wait(context.Background())
		if err == nil {
			opRoundTrip.WithLabelValues(o.kind).Observe(c.now().Sub(o.created).Seconds())
		}
		return reply, err
	}

	if ctx.Err() != nil {
		return model.Reply{}, fmt.Errorf("await op %s: %w", opID, ctx.Err())
	}
	opTimeouts.WithLabelValues(o.kind).Inc()
	c.logger.Warn("op timed out",
		"op_id", opID,
		"agent_id", o.agentID,
		"job_id", o.jobID,
		"timeout", timeout.String(),
	)
	return model.Reply{}, fmt.Errorf("op %s on agent %s after %s: %w", opID, o.agentID, timeout, model.ErrTimeout)
}

// Resolve delivers reply to the request waiting on opID. agentID is the
// sender; it must match the agent the op was sent to.
//
// A reply for a retired op returns ErrLateReply, and a second reply for a
// resolved op returns future.ErrAlreadyResolved; callers log and drop
// both. A reply for an op id that was never issued, or sent by the wrong
// agent, returns a *model.ProtocolViolationError.
func (c *Correlator) Resolve(opID, agentID string, reply model.Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.ops[opID]
	if !ok {
		if _, late := c.retired[opID]; late {
			lateReplies.Inc()
			c.logger.Warn("discarding late reply", "op_id", opID, "agent_id", agentID, "job_id", reply.JobID)
			return ErrLateReply
		}
		return &model.ProtocolViolationError{
			AgentID: agentID,
			OpID:    opID,
			JobID:   reply.JobID,
			Reason:  "no outstanding operation",
		}
	}

	if o.agentID != agentID {
		v := &model.ProtocolViolationError{
			AgentID: agentID,
			OpID:    opID,
			JobID:   reply.JobID,
			Reason:  fmt.Sprintf("operation belongs to agent %q", o.agentID),
		}
		_ = o.result.Fail(v)
		return v
	}

	if err := o.result.Resolve(reply); err != nil {
		c.logger.Warn("discarding duplicate reply", "op_id", opID, "agent_id", agentID, "job_id", o.jobID)
		return err
	}
	return nil
}

// Fail settles an outstanding op with err. It reports whether the op was
// still unsettled.
func (c *Correlator) Fail(opID string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.ops[opID]
	if !ok {
		return false
	}
	return o.result.Fail(err) == nil
}

// Outstanding returns the number of ops awaiting collection.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

func (c *Correlator) retire(o *op) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	delete(c.ops, o.id)
	c.retired[o.id] = now
	c.expiry = append(c.expiry, retiredOp{id: o.id, at: now})

	n := 0
	for n < len(c.expiry) && now.Sub(c.expiry[n].at) > c.retireTTL {
		delete(c.retired, c.expiry[n].id)
		n++
	}
	c.expiry = c.expiry[n:]
	opsOutstanding.Set(float64(len(c.ops)))
}
