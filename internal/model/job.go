package model

import (
	"encoding/json"
	"time"
)

// Job status constants.
const (
	StatusCanceled  = "canceled"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusMissing   = "missing"
	StatusPending   = "pending"
	StatusRunning   = "running"
)

// Resource class constants.
const (
	ClassSequential = "sequential"
	ClassParallel   = "parallel"
)

// ResourceClasses lists every resource class in a stable order.
var ResourceClasses = []string{ClassSequential, ClassParallel}

// Operation kinds sent to agents.
const (
	OpRun    = "run"
	OpStatus = "status"
	OpCancel = "cancel"
	OpFrame  = "frame"
)

// Front-end API names.
const (
	APIRunSimulation   = "runSimulation"
	APIRunStatus       = "runStatus"
	APIRunCancel       = "runCancel"
	APISimulationFrame = "simulationFrame"
)

// apiOps maps each front-end API to the operation it dispatches.
var apiOps = map[string]string{
	APIRunSimulation:   OpRun,
	APIRunStatus:       OpStatus,
	APIRunCancel:       OpCancel,
	APISimulationFrame: OpFrame,
}

var statuses = map[string]bool{
	StatusCanceled:  true,
	StatusCompleted: true,
	StatusError:     true,
	StatusMissing:   true,
	StatusPending:   true,
	StatusRunning:   true,
}

// ValidStatus reports whether s is a known job status.
func ValidStatus(s string) bool {
	return statuses[s]
}

// ValidClass reports whether c is a known resource class.
func ValidClass(c string) bool {
	return c == ClassSequential || c == ClassParallel
}

// IsTerminal reports whether a job in status s will not change without a
// new run request.
func IsTerminal(s string) bool {
	return s == StatusCompleted || s == StatusError || s == StatusCanceled
}

// IsGood reports whether a job in status s satisfies a run request with a
// matching fingerprint.
func IsGood(s string) bool {
	return s == StatusCompleted || s == StatusRunning || s == StatusPending
}

// IsActive reports whether the caller should keep polling a job in status s.
func IsActive(s string) bool {
	return s == StatusPending || s == StatusRunning
}

// JobRecord is the ledger's view of one logical computation.
type JobRecord struct {
	JobID          string    `json:"job_id"`
	Status         string    `json:"status"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	ResourceClass  string    `json:"resource_class,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartTime      time.Time `json:"start_time"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// JobEvent records one status transition of a job.
type JobEvent struct {
	ID          int64     `json:"id"`
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reply is an agent's answer to one operation.
type Reply struct {
	OpID           string          `json:"op_id"`
	AgentID        string          `json:"agent_id"`
	JobID          string          `json:"job_id"`
	State          string          `json:"state"`
	Error          string          `json:"error,omitempty"`
	ComputeJobHash string          `json:"compute_job_hash,omitempty"`
	StartTime      time.Time       `json:"start_time"`
	Result         json.RawMessage `json:"result,omitempty"`
}
