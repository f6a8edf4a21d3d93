package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// animationModel is the compute model shared by every animation report.
const animationModel = "animation"

// hashPattern bounds caller-supplied fingerprints to a safe character set.
var hashPattern = regexp.MustCompile(`^[\w.:-]{1,128}$`)

// Params is the inbound request payload sent by the front-end.
type Params struct {
	API            string         `json:"api"`
	SimulationType string         `json:"simulationType"`
	SimulationID   string         `json:"simulationId"`
	Report         string         `json:"report"`
	UID            string         `json:"uid"`
	ResourceClass  string         `json:"resourceClass,omitempty"`
	ComputeModel   string         `json:"computeModel,omitempty"`
	AnalysisModel  string         `json:"analysisModel,omitempty"`
	ComputeJobHash string         `json:"computeJobHash,omitempty"`
	FrameIndex     *int           `json:"frameIndex,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Request is a validated job request with every derived field populated.
// Values are never mutated after Build returns; use the With methods to
// derive a modified copy.
type Request struct {
	ID             string
	API            string
	Op             string
	UID            string
	SimulationType string
	SimulationID   string
	Report         string
	ComputeModel   string
	AnalysisModel  string
	ComputeJobID   string
	AnalysisJobID  string
	// JobID is the job the operation targets: the analysis job for frame
	// requests and the compute job otherwise.
	JobID         string
	Fingerprint   string
	ResourceClass string
	MPICores      int
	FrameIndex    int
	Data          map[string]any
	// AgentID, when set, pins the request to that agent's session.
	AgentID   string
	CreatedAt time.Time
	// OnReply, when set, receives the agent's reply before the request's
	// future settles and before any later message on the agent's channel
	// is handled.
	OnReply func(Reply)
}

// WithAgent returns a copy of r pinned to the given agent.
func (r Request) WithAgent(agentID string) Request {
	r.AgentID = agentID
	return r
}

// WithReplyHook returns a copy of r whose reply is passed to fn.
func (r Request) WithReplyHook(fn func(Reply)) Request {
	r.OnReply = fn
	return r
}

// WithOp returns a copy of r that dispatches the given operation.
func (r Request) WithOp(op string) Request {
	r.Op = op
	return r
}

// RequestBuilder validates Params and derives request fields in a fixed
// order: operation, identity, models, job ids, fingerprint, resource class,
// MPI cores.
type RequestBuilder struct {
	// ParallelCores is the number of MPI cores granted to parallel jobs.
	ParallelCores int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Build returns a fully populated Request or an error wrapping
// ErrInvalidRequest.
func (b RequestBuilder) Build(p Params) (Request, error) {
	op, ok := apiOps[p.API]
	if !ok {
		return Request{}, fmt.Errorf("%w: unknown api %q", ErrInvalidRequest, p.API)
	}
	if p.UID == "" {
		return Request{}, fmt.Errorf("%w: uid is required", ErrInvalidRequest)
	}
	if p.Report == "" && p.ComputeModel == "" {
		return Request{}, fmt.Errorf("%w: report is required", ErrInvalidRequest)
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	r := Request{
		ID:             NewID(),
		API:            p.API,
		Op:             op,
		UID:            p.UID,
		SimulationType: p.SimulationType,
		SimulationID:   p.SimulationID,
		Report:         p.Report,
		Data:           p.Data,
		CreatedAt:      now().UTC(),
	}

	r.ComputeModel = p.ComputeModel
	if r.ComputeModel == "" {
		r.ComputeModel = computeModelFor(p.Report)
	}
	r.AnalysisModel = p.AnalysisModel
	if r.AnalysisModel == "" {
		r.AnalysisModel = p.Report
	}
	if r.AnalysisModel == "" {
		r.AnalysisModel = r.ComputeModel
	}

	var err error
	if r.ComputeJobID, err = JobID(p.SimulationType, p.SimulationID, r.ComputeModel); err != nil {
		return Request{}, err
	}
	if r.AnalysisJobID, err = JobID(p.SimulationType, p.SimulationID, r.AnalysisModel); err != nil {
		return Request{}, err
	}
	r.JobID = r.ComputeJobID
	if op == OpFrame {
		r.JobID = r.AnalysisJobID
	}

	switch {
	case p.ComputeJobHash != "":
		if !hashPattern.MatchString(p.ComputeJobHash) {
			return Request{}, fmt.Errorf("%w: malformed computeJobHash", ErrInvalidRequest)
		}
		r.Fingerprint = p.ComputeJobHash
	default:
		data := p.Data
		if data == nil {
			data = map[string]any{}
		}
		if r.Fingerprint, err = Fingerprint(data); err != nil {
			return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	switch {
	case op == OpFrame:
		// Frames are read from finished output and never need cluster capacity.
		r.ResourceClass = ClassSequential
	case p.ResourceClass != "":
		if !ValidClass(p.ResourceClass) {
			return Request{}, fmt.Errorf("%w: unknown resource class %q", ErrInvalidRequest, p.ResourceClass)
		}
		r.ResourceClass = p.ResourceClass
	case r.ComputeModel == animationModel:
		r.ResourceClass = ClassParallel
	default:
		r.ResourceClass = ClassSequential
	}

	r.MPICores = 1
	if r.ResourceClass == ClassParallel && b.ParallelCores > 1 {
		r.MPICores = b.ParallelCores
	}

	if op == OpFrame {
		if p.FrameIndex == nil || *p.FrameIndex < 0 {
			return Request{}, fmt.Errorf("%w: frameIndex is required", ErrInvalidRequest)
		}
		r.FrameIndex = *p.FrameIndex
	}

	return r, nil
}

// computeModelFor maps a report name to the model whose computation
// produces it. All animation reports share one compute job.
func computeModelFor(report string) string {
	if strings.Contains(strings.ToLower(report), animationModel) {
		return animationModel
	}
	return report
}
