// Package protocol defines the messages exchanged between the supervisor
// and compute agents, and the websocket channel that carries them.
//
// Every frame is one JSON object. Agents send AgentMessage values; the
// supervisor sends OpMessage values in the order they were queued for
// that agent.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/jobsupervisor/internal/model"
)

// MaxMessageSize is the maximum accepted frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Agent→supervisor message kinds.
const (
	// KindAlive announces that the agent is ready and binds its channel.
	KindAlive = "alive"
	// KindReply answers an operation, by op id or by job id.
	KindReply = "reply"
	// KindJobStatus is an unsolicited job status change.
	KindJobStatus = "jobStatus"
)

// ErrMalformed is returned for frames that cannot be decoded or fail
// validation. The channel stays usable.
var ErrMalformed = errors.New("malformed agent message")

// AgentMessage is the envelope for all agent→supervisor messages.
type AgentMessage struct {
	AgentID        string          `json:"agentId"`
	Kind           string          `json:"kind"`
	OpID           string          `json:"opId,omitempty"`
	JobID          string          `json:"jobId,omitempty"`
	State          string          `json:"state,omitempty"`
	Error          string          `json:"error,omitempty"`
	ComputeJobHash string          `json:"computeJobHash,omitempty"`
	StartTime      int64           `json:"startTime,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// Validate checks the fields required by the message kind.
func (m AgentMessage) Validate() error {
	if m.AgentID == "" {
		return fmt.Errorf("%w: agentId is required", ErrMalformed)
	}
	if m.State != "" && !model.ValidStatus(m.State) {
		return fmt.Errorf("%w: unknown state %q", ErrMalformed, m.State)
	}
	switch m.Kind {
	case KindAlive:
	case KindReply:
		if m.OpID == "" && m.JobID == "" {
			return fmt.Errorf("%w: reply needs opId or jobId", ErrMalformed)
		}
	case KindJobStatus:
		if m.JobID == "" || m.State == "" {
			return fmt.Errorf("%w: jobStatus needs jobId and state", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, m.Kind)
	}
	return nil
}

// Reply converts the message into the reply handed to the waiting request.
func (m AgentMessage) Reply() model.Reply {
	r := model.Reply{
		OpID:           m.OpID,
		AgentID:        m.AgentID,
		JobID:          m.JobID,
		State:          m.State,
		Error:          m.Error,
		ComputeJobHash: m.ComputeJobHash,
		Result:         m.Result,
	}
	if m.StartTime > 0 {
		r.StartTime = time.Unix(m.StartTime, 0).UTC()
	}
	return r
}

// OpMessage is one unit of work sent to an agent.
type OpMessage struct {
	OpID           string         `json:"opId"`
	Kind           string         `json:"kind"`
	JobID          string         `json:"jobId"`
	ComputeJobID   string         `json:"computeJobId"`
	UID            string         `json:"uid"`
	ResourceClass  string         `json:"resourceClass"`
	MPICores       int            `json:"mpiCores"`
	ComputeJobHash string         `json:"computeJobHash,omitempty"`
	SimulationType string         `json:"simulationType"`
	SimulationID   string         `json:"simulationId"`
	Report         string         `json:"report,omitempty"`
	AnalysisModel  string         `json:"analysisModel,omitempty"`
	FrameIndex     *int           `json:"frameIndex,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// NewOpMessage builds the payload for r. The op id is assigned when the
// message is sent.
func NewOpMessage(r model.Request) OpMessage {
	msg := OpMessage{
		Kind:           r.Op,
		JobID:          r.JobID,
		ComputeJobID:   r.ComputeJobID,
		UID:            r.UID,
		ResourceClass:  r.ResourceClass,
		MPICores:       r.MPICores,
		ComputeJobHash: r.Fingerprint,
		SimulationType: r.SimulationType,
		SimulationID:   r.SimulationID,
		Report:         r.Report,
	}
	switch r.Op {
	case model.OpRun:
		msg.Data = r.Data
	case model.OpFrame:
		idx := r.FrameIndex
		msg.FrameIndex = &idx
		msg.AnalysisModel = r.AnalysisModel
	}
	return msg
}

// Conn is the supervisor's sending half of a bound agent channel.
type Conn interface {
	Send(ctx context.Context, msg OpMessage) error
	Close() error
}
