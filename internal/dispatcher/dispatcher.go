package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/jobsupervisor/internal/correlator"
	"github.com/seantiz/jobsupervisor/internal/driver"
	"github.com/seantiz/jobsupervisor/internal/future"
	"github.com/seantiz/jobsupervisor/internal/model"
	"github.com/seantiz/jobsupervisor/internal/protocol"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultOpTimeout       = 60 * time.Second
	DefaultBindTimeout     = 30 * time.Second
	DefaultSequentialSlots = 8
	DefaultParallelSlots   = 1
)

// errStopped fails requests that arrive or are still queued once the
// dispatcher shuts down.
var errStopped = fmt.Errorf("dispatcher stopped: %w", model.ErrAgentUnreachable)

// Config controls admission and waiting.
type Config struct {
	OpTimeout   time.Duration
	BindTimeout time.Duration
	// Slots caps in-flight requests per resource class across all users.
	// A class missing from the map gets its default; a negative value
	// means no cap.
	Slots map[string]int
}

// ClassStats describes one resource-class queue.
type ClassStats struct {
	ResourceClass string `json:"resource_class"`
	Users         int    `json:"users"`
	Queued        int    `json:"queued"`
	InFlight      int    `json:"in_flight"`
	Limit         int    `json:"limit"`
}

// Dispatcher admits requests per resource class, sends them to agents and
// routes agent messages back. One Dispatcher exists per process.
type Dispatcher struct {
	registry *driver.Registry
	corr     *correlator.Correlator
	cfg      Config
	logger   *slog.Logger
	onStatus func(model.Reply)
	onLost   func(agentID string)

	mu      sync.Mutex
	queues  map[string]*classQueue
	stopped bool

	hookMu sync.Mutex
	hooks  map[string]replyHook

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher over the sessions in reg.
func New(reg *driver.Registry, corr *correlator.Correlator, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.BindTimeout <= 0 {
		cfg.BindTimeout = DefaultBindTimeout
	}

	defaults := map[string]int{
		model.ClassSequential: DefaultSequentialSlots,
		model.ClassParallel:   DefaultParallelSlots,
	}
	queues := make(map[string]*classQueue, len(model.ResourceClasses))
	for _, class := range model.ResourceClasses {
		limit, ok := cfg.Slots[class]
		if !ok || limit == 0 {
			limit = defaults[class]
		}
		queues[class] = newClassQueue(class, limit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry: reg,
		corr:     corr,
		cfg:      cfg,
		logger:   logger,
		queues:   queues,
		hooks:    make(map[string]replyHook),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetStatusListener registers fn to receive unsolicited job status
// messages from agents. It must be called before Run.
func (d *Dispatcher) SetStatusListener(fn func(model.Reply)) {
	d.onStatus = fn
}

// SetAgentLostListener registers fn to learn that an agent's channel
// closed. Jobs the agent was running can no longer report to the
// supervisor. It must be called before Run.
func (d *Dispatcher) SetAgentLostListener(fn func(agentID string)) {
	d.onLost = fn
}

// Registry returns the agent registry the dispatcher routes through.
func (d *Dispatcher) Registry() *driver.Registry {
	return d.registry
}

// Run starts one delivery loop per registered session and blocks until
// ctx is cancelled. Outstanding waits are abandoned on return.
func (d *Dispatcher) Run(ctx context.Context) error {
	for _, s := range d.registry.Sessions() {
		d.wg.Go(func() {
			s.Run(d.ctx, d.cfg.BindTimeout, d.failOp)
		})
	}
	d.logger.Info("dispatcher started", "agents", len(d.registry.Sessions()))

	<-ctx.Done()
	d.stop()
	d.cancel()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

// stop closes admission and fails every request still queued. Requests
// already dispatched finish or are abandoned with d.ctx.
func (d *Dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	var dropped []*pending
	for _, q := range d.queues {
		dropped = append(dropped, q.drain()...)
		queuedRequests.WithLabelValues(q.class).Set(0)
	}
	d.mu.Unlock()

	for _, p := range dropped {
		_ = p.result.Fail(fmt.Errorf("request %s: %w", p.req.ID, errStopped))
	}
}

// Enqueue queues req behind its user's earlier requests in the same
// resource class and returns a future for the agent's reply. It never
// blocks on the agent.
func (d *Dispatcher) Enqueue(req model.Request) *future.Future[model.Reply] {
	p := &pending{req: req, result: future.New[model.Reply]()}

	d.mu.Lock()
	q, ok := d.queues[req.ResourceClass]
	stopped := d.stopped
	if ok && !stopped {
		q.push(p)
		queuedRequests.WithLabelValues(q.class).Set(float64(q.queued()))
	}
	d.mu.Unlock()

	if !ok {
		_ = p.result.Fail(fmt.Errorf("%w: unknown resource class %q", model.ErrInvalidRequest, req.ResourceClass))
		return p.result
	}
	if stopped {
		_ = p.result.Fail(fmt.Errorf("request %s: %w", req.ID, errStopped))
		return p.result
	}

	d.logger.Debug("request queued",
		"request_id", req.ID,
		"uid", req.UID,
		"job_id", req.JobID,
		"op", req.Op,
		"resource_class", req.ResourceClass,
	)
	d.schedule(req.ResourceClass)
	return p.result
}

// schedule admits every request the class can take right now. The
// dispatch goroutines are counted under d.mu, so none starts after Run
// has closed admission and begun waiting.
func (d *Dispatcher) schedule(class string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	q := d.queues[class]
	for {
		p := q.admit()
		if p == nil {
			break
		}
		d.wg.Go(func() {
			d.dispatch(p)
		})
	}
	queuedRequests.WithLabelValues(class).Set(float64(q.queued()))
	inFlightRequests.WithLabelValues(class).Set(float64(q.inFlight))
}

// dispatch sends one admitted request to its agent and waits for the
// reply, then frees the slot.
func (d *Dispatcher) dispatch(p *pending) {
	req := p.req

	sess, err := d.registry.Select(req.ResourceClass, req.UID, req.AgentID)
	if err != nil {
		d.complete(p, model.Reply{}, err)
		return
	}

	dispatchedRequests.WithLabelValues(req.ResourceClass, req.Op).Inc()
	msg := protocol.NewOpMessage(req)
	msg.OpID = d.corr.Register(sess.AgentID(), req.JobID, req.Op)
	if req.OnReply != nil {
		d.addHook(msg.OpID, sess.AgentID(), req)
	}
	sess.Push(msg)
	opID := msg.OpID
	d.logger.Info("request dispatched",
		"request_id", req.ID,
		"op_id", opID,
		"agent_id", sess.AgentID(),
		"uid", req.UID,
		"job_id", req.JobID,
		"op", req.Op,
	)

	reply, err := d.corr.Await(d.ctx, opID, d.cfg.OpTimeout)
	sess.Done(opID)
	d.takeHook(opID, sess.AgentID())
	if err == nil {
		reply.OpID = opID
		if reply.AgentID == "" {
			reply.AgentID = sess.AgentID()
		}
		if reply.JobID == "" {
			reply.JobID = req.JobID
		}
	}
	d.complete(p, reply, err)
}

// complete frees the request's slot, settles its future, and reuses the
// slot immediately.
func (d *Dispatcher) complete(p *pending, reply model.Reply, err error) {
	class := p.req.ResourceClass

	d.mu.Lock()
	d.queues[class].release(p.req.UID)
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("request failed",
			"request_id", p.req.ID,
			"uid", p.req.UID,
			"job_id", p.req.JobID,
			"op", p.req.Op,
			"error", err,
		)
		_ = p.result.Fail(err)
	} else {
		_ = p.result.Resolve(reply)
	}

	d.schedule(class)
}

// OnAgentMessage handles one message received on conn. The first message
// from an agent binds conn as its channel; repeating the handshake is a
// no-op. Replies are routed to the waiting request by op id, or, without
// one, to the agent's oldest outstanding op for the job.
//
// A message from an unknown agent or for an op that was never issued
// returns a *model.ProtocolViolationError. Late and duplicate replies are
// logged and dropped.
func (d *Dispatcher) OnAgentMessage(conn protocol.Conn, msg protocol.AgentMessage) error {
	sess := d.registry.ForAgent(msg.AgentID)
	if sess == nil {
		return d.violation(&model.ProtocolViolationError{
			AgentID: msg.AgentID,
			OpID:    msg.OpID,
			JobID:   msg.JobID,
			Reason:  "unknown agent",
		})
	}

	if sess.Bind(conn) {
		d.logger.Info("agent channel bound", "agent_id", msg.AgentID, "resource_class", sess.Class())
	} else if msg.Kind == protocol.KindAlive {
		d.logger.Debug("duplicate alive ignored", "agent_id", msg.AgentID)
	}

	switch msg.Kind {
	case protocol.KindAlive:
		return nil

	case protocol.KindJobStatus:
		d.logger.Debug("job status from agent",
			"agent_id", msg.AgentID,
			"job_id", msg.JobID,
			"state", msg.State,
		)
		if d.onStatus != nil {
			d.onStatus(msg.Reply())
		}
		return nil
	}

	opID := msg.OpID
	if opID == "" {
		var ok bool
		if opID, ok = sess.OldestFor(msg.JobID); !ok {
			return d.violation(&model.ProtocolViolationError{
				AgentID: msg.AgentID,
				JobID:   msg.JobID,
				Reason:  "reply without op id matches no outstanding operation",
			})
		}
	}

	reply := msg.Reply()
	reply.OpID = opID
	if h, ok := d.takeHook(opID, msg.AgentID); ok {
		if reply.AgentID == "" {
			reply.AgentID = msg.AgentID
		}
		if reply.JobID == "" {
			reply.JobID = h.req.JobID
		}
		h.req.OnReply(reply)
	}
	err := d.corr.Resolve(opID, msg.AgentID, reply)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, correlator.ErrLateReply), errors.Is(err, future.ErrAlreadyResolved):
		return nil
	default:
		return d.violation(err)
	}
}

// OnAgentDisconnect unbinds conn from agentID's session and fails every
// op already written to it.
func (d *Dispatcher) OnAgentDisconnect(agentID string, conn protocol.Conn) {
	sess := d.registry.ForAgent(agentID)
	if sess == nil {
		return
	}

	lost := sess.Unbind(conn)
	for _, opID := range lost {
		d.corr.Fail(opID, fmt.Errorf("agent %s disconnected: %w", agentID, model.ErrAgentUnreachable))
	}
	d.logger.Info("agent channel closed", "agent_id", agentID, "failed_ops", len(lost))
	if d.onLost != nil {
		d.onLost(agentID)
	}
}

// QueueStats returns a snapshot of every resource-class queue.
func (d *Dispatcher) QueueStats() []ClassStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ClassStats, 0, len(model.ResourceClasses))
	for _, class := range model.ResourceClasses {
		q := d.queues[class]
		out = append(out, ClassStats{
			ResourceClass: class,
			Users:         len(q.users),
			Queued:        q.queued(),
			InFlight:      q.inFlight,
			Limit:         q.limit,
		})
	}
	return out
}

// replyHook is a request waiting to see its reply on the agent's read
// loop.
type replyHook struct {
	agentID string
	req     model.Request
}

func (d *Dispatcher) addHook(opID, agentID string, req model.Request) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.hooks[opID] = replyHook{agentID: agentID, req: req}
}

// takeHook removes and returns the hook for opID when agentID is the
// agent the op was sent to. A hook runs at most once.
func (d *Dispatcher) takeHook(opID, agentID string) (replyHook, bool) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	h, ok := d.hooks[opID]
	if !ok || h.agentID != agentID {
		return replyHook{}, false
	}
	delete(d.hooks, opID)
	return h, true
}

func (d *Dispatcher) failOp(opID string, err error) {
	d.corr.Fail(opID, err)
}

func (d *Dispatcher) violation(err error) error {
	protocolViolations.Inc()
	d.logger.Error("protocol violation", "error", err)
	return err
}
