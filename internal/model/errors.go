package model

import (
	"errors"
	"fmt"
)

// Error kinds surfaced at the request boundary.
var (
	// ErrProtocolViolation marks an agent message that references an
	// unknown agent or an operation with no outstanding request.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrAgentUnreachable is returned when no agent channel is bound in
	// time or the channel drops while an operation is outstanding.
	ErrAgentUnreachable = errors.New("agent unreachable")

	// ErrTimeout is returned when an operation's reply does not arrive in
	// the allotted window.
	ErrTimeout = errors.New("operation timed out")

	// ErrUpstreamCompute wraps a failure reported by the simulation itself.
	ErrUpstreamCompute = errors.New("simulation failed")

	// ErrNotFound is returned when a requested artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest is returned for malformed front-end requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// ProtocolViolationError describes a message that broke the agent protocol.
type ProtocolViolationError struct {
	AgentID string
	OpID    string
	JobID   string
	Reason  string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s (agent_id=%q op_id=%q job_id=%q)", e.Reason, e.AgentID, e.OpID, e.JobID)
}

// Unwrap lets errors.Is match ErrProtocolViolation.
func (e *ProtocolViolationError) Unwrap() error {
	return ErrProtocolViolation
}

// Transient reports whether err is worth retrying from the caller's side.
func Transient(err error) bool {
	return errors.Is(err, ErrAgentUnreachable) || errors.Is(err, ErrTimeout)
}
