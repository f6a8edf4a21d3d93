package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/jobsupervisor/internal/future"
	"github.com/seantiz/jobsupervisor/internal/ledger"
	"github.com/seantiz/jobsupervisor/internal/model"
)

// DefaultPollSeconds is the poll hint returned for active jobs when the
// class has no configured value.
const DefaultPollSeconds = 2

// Enqueuer queues a request for an agent and returns its reply future.
type Enqueuer interface {
	Enqueue(req model.Request) *future.Future[model.Reply]
}

// Config controls request derivation and poll hints.
type Config struct {
	// PollSeconds is the nextRequestSeconds hint per resource class.
	PollSeconds map[string]int
	// ParallelCores is the MPI core count granted to parallel jobs.
	ParallelCores int
}

// NextRequest is the payload the caller resubmits, unchanged, to poll a
// job that is still pending or running.
type NextRequest struct {
	Report               string `json:"report"`
	ReportParametersHash string `json:"reportParametersHash"`
	SimulationID         string `json:"simulationId"`
	SimulationType       string `json:"simulationType"`
}

// Response is the reply rendered to the front-end. Times are Unix seconds.
type Response struct {
	State              string          `json:"state"`
	Error              string          `json:"error,omitempty"`
	ComputeJobHash     string          `json:"computeJobHash,omitempty"`
	StartTime          int64           `json:"startTime,omitempty"`
	LastUpdateTime     int64           `json:"lastUpdateTime,omitempty"`
	ElapsedTime        int64           `json:"elapsedTime,omitempty"`
	NextRequestSeconds int             `json:"nextRequestSeconds,omitempty"`
	NextRequest        *NextRequest    `json:"nextRequest,omitempty"`
	Frame              json.RawMessage `json:"frame,omitempty"`
}

// Gateway turns front-end requests into ledger lookups and dispatches,
// and renders the outcome.
type Gateway struct {
	ledger   *ledger.Ledger
	enqueuer Enqueuer
	builder  model.RequestBuilder
	poll     map[string]int
	runs     singleflight.Group
	logger   *slog.Logger
}

// New creates a gateway.
func New(l *ledger.Ledger, e Enqueuer, cfg Config, logger *slog.Logger) *Gateway {
	poll := make(map[string]int, len(model.ResourceClasses))
	for _, class := range model.ResourceClasses {
		poll[class] = DefaultPollSeconds
		if s, ok := cfg.PollSeconds[class]; ok && s > 0 {
			poll[class] = s
		}
	}
	return &Gateway{
		ledger:   l,
		enqueuer: e,
		builder:  model.RequestBuilder{ParallelCores: cfg.ParallelCores},
		poll:     poll,
		logger:   logger,
	}
}

// Handle validates p, runs the requested API and returns its response.
//
// Errors wrap one of the model sentinels. For ErrUpstreamCompute the
// returned Response is still meaningful: it carries state=error and the
// agent's message.
func (g *Gateway) Handle(ctx context.Context, p model.Params) (Response, error) {
	req, err := g.builder.Build(p)
	if err != nil {
		requestsTotal.WithLabelValues("unknown", outcome(err)).Inc()
		return Response{}, err
	}

	var res Response
	switch req.Op {
	case model.OpRun:
		res, err = g.Run(ctx, req)
	case model.OpStatus:
		res, err = g.Status(ctx, req)
	case model.OpCancel:
		res, err = g.Cancel(ctx, req)
	case model.OpFrame:
		res, err = g.Frame(ctx, req)
	default:
		err = fmt.Errorf("%w: unsupported op %q", model.ErrInvalidRequest, req.Op)
	}
	requestsTotal.WithLabelValues(req.API, outcome(err)).Inc()
	return res, err
}

// Run answers from the ledger when the job's cached result or current run
// matches the request's fingerprint. Otherwise it dispatches a run and
// returns once the agent confirms the run started. Identical runs that
// arrive while one is in flight share its dispatch.
func (g *Gateway) Run(ctx context.Context, req model.Request) (Response, error) {
	c := g.ledger.CheckCache(req.JobID, req.Fingerprint)
	if c.CacheHit {
		g.logger.Info("cache hit",
			"request_id", req.ID,
			"uid", req.UID,
			"job_id", req.JobID,
			"status", c.Status,
		)
		rec, _ := g.ledger.Get(req.JobID)
		return g.respond(req, rec), nil
	}

	hooked := req.WithReplyHook(g.recordRun(req))
	ch := g.runs.DoChan(req.JobID+"\x00"+req.Fingerprint, func() (any, error) {
		// The shared dispatch outlives any one caller.
		return g.await(context.WithoutCancel(ctx), hooked)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%s %s: %w", req.Op, req.JobID, ctx.Err())
	case res = <-ch:
	}
	if res.Shared {
		g.logger.Debug("joined in-flight run", "request_id", req.ID, "job_id", req.JobID)
	}
	if res.Err != nil {
		return Response{}, res.Err
	}

	reply := res.Val.(model.Reply)
	rec, _ := g.ledger.Get(req.JobID)
	if reply.State == model.StatusError {
		return g.respond(req, rec), upstream(req, reply)
	}
	return g.respond(req, rec), nil
}

// recordRun returns the hook that records a run reply. It runs on the
// agent's read loop, so a jobStatus the agent sends after the reply is
// applied after it.
func (g *Gateway) recordRun(req model.Request) func(model.Reply) {
	return func(reply model.Reply) {
		switch reply.State {
		case model.StatusError:
			// The run never started; the stored fingerprint stays as it was.
			g.ledger.RecordStatusUpdate(req.JobID, ledger.Update{
				Status:  model.StatusError,
				AgentID: reply.AgentID,
				Error:   reply.Error,
				Message: "run failed to start",
			})
		case model.StatusPending, model.StatusRunning, model.StatusCompleted, "":
			g.ledger.RecordRunStart(req.JobID, req.Fingerprint, reply.AgentID, req.ResourceClass, reply.State, reply.StartTime)
		default:
			g.ledger.RecordStatusUpdate(req.JobID, ledger.Update{
				Status:  reply.State,
				AgentID: reply.AgentID,
				Error:   reply.Error,
			})
		}
	}
}

// Status answers from the ledger when it knows the job. Unknown jobs are
// queried on an agent, and the answer is recorded.
func (g *Gateway) Status(ctx context.Context, req model.Request) (Response, error) {
	rec, ok := g.ledger.Get(req.JobID)
	if ok && rec.Status != model.StatusMissing {
		return g.respond(req, rec), nil
	}

	query := req.WithAgent(rec.AgentID).WithReplyHook(func(reply model.Reply) {
		g.ledger.RecordStatusUpdate(req.JobID, ledger.Update{
			Status:      reply.State,
			AgentID:     reply.AgentID,
			Error:       reply.Error,
			Fingerprint: reply.ComputeJobHash,
			StartTime:   reply.StartTime,
			Message:     "status queried",
		})
	})
	if _, err := g.await(ctx, query); err != nil {
		return Response{}, err
	}
	rec, _ = g.ledger.Get(req.JobID)
	return g.respond(req, rec), nil
}

// Cancel stops an active job on the agent running it. Cancelling a job
// that is unknown or already finished does nothing.
func (g *Gateway) Cancel(ctx context.Context, req model.Request) (Response, error) {
	rec, ok := g.ledger.Get(req.JobID)
	if !ok || rec.Status == model.StatusMissing || model.IsTerminal(rec.Status) {
		if !ok {
			rec = model.JobRecord{JobID: req.JobID, Status: model.StatusMissing}
		}
		g.logger.Debug("cancel without active job", "job_id", req.JobID, "status", rec.Status)
		return g.respond(req, rec), nil
	}

	cancel := req.WithAgent(rec.AgentID).WithReplyHook(func(reply model.Reply) {
		u := ledger.Update{Status: model.StatusCanceled, AgentID: reply.AgentID, Message: "canceled by " + req.UID}
		if reply.State == model.StatusError {
			u = ledger.Update{Status: model.StatusError, AgentID: reply.AgentID, Error: reply.Error}
		}
		g.ledger.RecordStatusUpdate(req.JobID, u)
	})
	reply, err := g.await(ctx, cancel)
	if err != nil {
		return Response{}, err
	}

	rec, _ = g.ledger.Get(req.JobID)
	if reply.State == model.StatusError {
		return g.respond(req, rec), upstream(req, reply)
	}
	return g.respond(req, rec), nil
}

// Frame fetches one analysis frame from the agent holding the compute
// job's output. An agent failure means the frame does not exist.
func (g *Gateway) Frame(ctx context.Context, req model.Request) (Response, error) {
	var hint string
	if rec, ok := g.ledger.Get(req.ComputeJobID); ok {
		hint = rec.AgentID
	}

	reply, err := g.await(ctx, req.WithAgent(hint))
	if err != nil {
		return Response{}, err
	}
	if reply.State == model.StatusError || len(reply.Result) == 0 {
		return Response{}, fmt.Errorf("frame %d of %s: %s: %w", req.FrameIndex, req.JobID, reply.Error, model.ErrNotFound)
	}
	return Response{State: model.StatusCompleted, Frame: reply.Result}, nil
}

func (g *Gateway) await(ctx context.Context, req model.Request) (model.Reply, error) {
	reply, err := g.enqueuer.Enqueue(req).Wait(ctx)
	if err != nil {
		return model.Reply{}, fmt.Errorf("%s %s: %w", req.Op, req.JobID, err)
	}
	return reply, nil
}

// respond renders rec. Active jobs get a poll hint and the request to
// resubmit.
func (g *Gateway) respond(req model.Request, rec model.JobRecord) Response {
	res := Response{
		State:          rec.Status,
		Error:          rec.Error,
		ComputeJobHash: rec.Fingerprint,
	}
	if res.State == "" {
		res.State = model.StatusMissing
	}
	if !rec.StartTime.IsZero() {
		res.StartTime = rec.StartTime.Unix()
		res.LastUpdateTime = rec.LastUpdateTime.Unix()
		res.ElapsedTime = int64(rec.LastUpdateTime.Sub(rec.StartTime) / time.Second)
	}
	if model.IsActive(res.State) {
		class := rec.ResourceClass
		if class == "" {
			class = req.ResourceClass
		}
		res.NextRequestSeconds = g.poll[class]
		res.NextRequest = &NextRequest{
			Report:               req.Report,
			ReportParametersHash: rec.Fingerprint,
			SimulationID:         req.SimulationID,
			SimulationType:       req.SimulationType,
		}
	}
	return res
}

func upstream(req model.Request, reply model.Reply) error {
	return fmt.Errorf("%s %s on agent %s: %w: %s", req.Op, req.JobID, reply.AgentID, model.ErrUpstreamCompute, reply.Error)
}

// outcome labels err for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrUpstreamCompute):
		return "upstream_error"
	case model.Transient(err):
		return "unavailable"
	case errors.Is(err, model.ErrProtocolViolation):
		return "protocol_violation"
	default:
		return "error"
	}
}
