// Package agent implements a reference compute agent. It connects to the
// supervisor, announces itself, and runs simulation jobs in a per-job
// directory: either by executing a configured command or, without one, by
// a timed simulation that writes placeholder frames.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/jobsupervisor/internal/model"
	"github.com/seantiz/jobsupervisor/internal/protocol"
)

const (
	// DefaultSimDuration is how long a timed simulation runs.
	DefaultSimDuration = 2 * time.Second
	// simFrames is the number of frames a timed simulation writes.
	simFrames = 3

	statusFile     = "status.json"
	parametersFile = "parameters.json"
	logFile        = "run.log"
)

// Transport is the agent's channel to the supervisor.
type Transport interface {
	Send(msg protocol.AgentMessage) error
	Receive() (protocol.OpMessage, error)
	Close() error
}

// Config controls how the agent runs jobs.
type Config struct {
	// ID is the agent id the supervisor was configured with.
	ID string
	// WorkDir holds one directory per compute job.
	WorkDir string
	// Command runs a job inside its directory. Empty selects the timed
	// simulation.
	Command []string
	// SimDuration is the timed simulation's run time.
	SimDuration time.Duration
}

// jobStatus is the persisted and reported state of one job.
type jobStatus struct {
	State          string    `json:"state"`
	ComputeJobHash string    `json:"computeJobHash,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartTime      time.Time `json:"startTime"`
}

type job struct {
	dir    string
	status jobStatus
	cancel context.CancelFunc
	done   chan struct{}
	// replied is closed once the run reply is sent; the final status
	// follows it.
	replied chan struct{}
}

// Agent answers supervisor operations.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
	out  Transport
	wg   sync.WaitGroup
}

// New creates an agent.
func New(cfg Config, logger *slog.Logger) *Agent {
	if cfg.SimDuration <= 0 {
		cfg.SimDuration = DefaultSimDuration
	}
	return &Agent{
		cfg:    cfg,
		logger: logger.With("agent_id", cfg.ID),
		jobs:   make(map[string]*job),
	}
}

// Serve announces the agent on t and answers operations until t fails or
// ctx is cancelled. Running jobs are stopped before Serve returns.
func (a *Agent) Serve(parent context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a.mu.Lock()
	a.ctx = ctx
	a.out = t
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()

	if err := t.Send(protocol.AgentMessage{AgentID: a.cfg.ID, Kind: protocol.KindAlive}); err != nil {
		return fmt.Errorf("announce agent: %w", err)
	}
	a.logger.Info("agent connected", "work_dir", a.cfg.WorkDir)

	var err error
	for {
		var op protocol.OpMessage
		op, err = t.Receive()
		if errors.Is(err, protocol.ErrMalformed) {
			a.logger.Warn("malformed op", "error", err)
			continue
		}
		if err != nil {
			break
		}
		a.handle(op)
	}

	cancel()
	a.wg.Wait()
	if parent.Err() != nil {
		return nil
	}
	return fmt.Errorf("receive op: %w", err)
}

func (a *Agent) handle(op protocol.OpMessage) {
	a.logger.Debug("op received", "op_id", op.OpID, "kind", op.Kind, "job_id", op.JobID)

	var (
		reply   protocol.AgentMessage
		replied func()
	)
	switch op.Kind {
	case model.OpRun:
		reply, replied = a.run(op)
	case model.OpStatus:
		reply = a.status(op.JobID)
	case model.OpCancel:
		reply = a.cancel(op.JobID)
	case model.OpFrame:
		reply = a.frame(op)
	default:
		reply = protocol.AgentMessage{State: model.StatusError, Error: fmt.Sprintf("unsupported op %q", op.Kind)}
	}

	reply.AgentID = a.cfg.ID
	reply.Kind = protocol.KindReply
	reply.OpID = op.OpID
	reply.JobID = op.JobID
	a.send(reply)
	if replied != nil {
		replied()
	}
}

// run starts the job unless a run with the same parameters is already
// active. The returned func, when set, must be called once the reply is
// sent.
func (a *Agent) run(op protocol.OpMessage) (protocol.AgentMessage, func()) {
	dir, err := a.jobDir(op.JobID)
	if err != nil {
		return errorReply(err), nil
	}

	a.mu.Lock()
	prev, ok := a.jobs[op.JobID]
	if ok && model.IsActive(prev.status.State) && prev.status.ComputeJobHash == op.ComputeJobHash {
		st := prev.status
		a.mu.Unlock()
		return statusReply(st), nil
	}
	a.mu.Unlock()
	if ok {
		// New parameters supersede the previous run.
		prev.cancel()
		<-prev.done
	}

	if err := prepareDir(dir, op); err != nil {
		return errorReply(err), nil
	}

	ctx, cancel := context.WithCancel(a.ctx)
	j := &job{
		dir: dir,
		status: jobStatus{
			State:          model.StatusRunning,
			ComputeJobHash: op.ComputeJobHash,
			StartTime:      time.Now().UTC(),
		},
		cancel:  cancel,
		done:    make(chan struct{}),
		replied: make(chan struct{}),
	}

	a.mu.Lock()
	a.jobs[op.JobID] = j
	st := j.status
	a.mu.Unlock()

	if err := writeStatus(dir, st); err != nil {
		a.logger.Warn("failed to persist job status", "job_id", op.JobID, "error", err)
	}

	a.wg.Go(func() {
		defer close(j.done)
		runErr := a.execute(ctx, j, op)
		a.finish(ctx, op.JobID, j, runErr)
	})

	a.logger.Info("job started", "job_id", op.JobID, "mpi_cores", op.MPICores, "compute_job_hash", op.ComputeJobHash)
	return statusReply(st), func() { close(j.replied) }
}

// execute runs the job to completion in j.dir.
func (a *Agent) execute(ctx context.Context, j *job, op protocol.OpMessage) error {
	if len(a.cfg.Command) == 0 {
		return simulate(ctx, j.dir, op, a.cfg.SimDuration)
	}

	cmd := exec.CommandContext(ctx, a.cfg.Command[0], a.cfg.Command[1:]...)
	cmd.Dir = j.dir
	cmd.Env = append(os.Environ(),
		"SIM_JOB_ID="+op.JobID,
		"SIM_COMPUTE_JOB_HASH="+op.ComputeJobHash,
		"SIM_MPI_CORES="+strconv.Itoa(op.MPICores),
		"SIM_PARAMETERS="+filepath.Join(j.dir, parametersFile),
	)

	f, err := os.Create(filepath.Join(j.dir, logFile))
	if err != nil {
		return fmt.Errorf("create run log: %w", err)
	}
	defer f.Close()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	tail := streamLines(stdout, f)

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && tail != "" {
			return fmt.Errorf("exit code %d: %s", exitErr.ExitCode(), tail)
		}
		return err
	}
	return nil
}

// finish records the outcome and pushes it to the supervisor.
func (a *Agent) finish(ctx context.Context, jobID string, j *job, runErr error) {
	a.mu.Lock()
	switch {
	case ctx.Err() != nil:
		j.status.State = model.StatusCanceled
	case runErr != nil:
		j.status.State = model.StatusError
		j.status.Error = runErr.Error()
	default:
		j.status.State = model.StatusCompleted
	}
	st := j.status
	a.mu.Unlock()

	if err := writeStatus(j.dir, st); err != nil {
		a.logger.Warn("failed to persist job status", "job_id", jobID, "error", err)
	}
	a.logger.Info("job finished", "job_id", jobID, "state", st.State, "error", model.Truncate(st.Error))

	msg := statusReply(st)
	msg.AgentID = a.cfg.ID
	msg.Kind = protocol.KindJobStatus
	msg.JobID = jobID
	<-j.replied
	a.send(msg)
}

// status reports the job's state, reading the persisted status of jobs
// run before this process started.
func (a *Agent) status(jobID string) protocol.AgentMessage {
	a.mu.Lock()
	j, ok := a.jobs[jobID]
	var st jobStatus
	if ok {
		st = j.status
	}
	a.mu.Unlock()
	if ok {
		return statusReply(st)
	}

	dir, err := a.jobDir(jobID)
	if err != nil {
		return errorReply(err)
	}
	st, err = readStatus(dir)
	if err != nil {
		return protocol.AgentMessage{State: model.StatusMissing}
	}
	if model.IsActive(st.State) {
		// Its process died with the previous agent.
		st.State = model.StatusError
		st.Error = "run interrupted by agent restart"
	}
	return statusReply(st)
}

func (a *Agent) cancel(jobID string) protocol.AgentMessage {
	a.mu.Lock()
	j, ok := a.jobs[jobID]
	if !ok {
		a.mu.Unlock()
		return protocol.AgentMessage{State: model.StatusMissing}
	}
	if model.IsActive(j.status.State) {
		j.status.State = model.StatusCanceled
		j.cancel()
	}
	st := j.status
	a.mu.Unlock()

	a.logger.Info("job canceled", "job_id", jobID, "state", st.State)
	return statusReply(st)
}

// frame returns one frame written by the compute job. Frames are looked up
// as <analysis model>-<index>.json, then frame-<index>.json.
func (a *Agent) frame(op protocol.OpMessage) protocol.AgentMessage {
	if op.FrameIndex == nil {
		return errorReply(errors.New("frame index is required"))
	}
	computeJobID := op.ComputeJobID
	if computeJobID == "" {
		computeJobID = op.JobID
	}
	dir, err := a.jobDir(computeJobID)
	if err != nil {
		return errorReply(err)
	}

	var names []string
	if op.AnalysisModel != "" {
		names = append(names, fmt.Sprintf("%s-%d.json", op.AnalysisModel, *op.FrameIndex))
	}
	names = append(names, fmt.Sprintf("frame-%d.json", *op.FrameIndex))

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if !json.Valid(data) {
			return errorReply(fmt.Errorf("frame %s is not valid JSON", name))
		}
		return protocol.AgentMessage{State: model.StatusCompleted, Result: data}
	}
	return errorReply(fmt.Errorf("frame %d of %s not found", *op.FrameIndex, computeJobID))
}

func (a *Agent) send(msg protocol.AgentMessage) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if err := out.Send(msg); err != nil {
		a.logger.Warn("failed to send message", "kind", msg.Kind, "job_id", msg.JobID, "error", err)
	}
}

// jobDir returns the job's directory, rejecting ids that escape WorkDir.
func (a *Agent) jobDir(jobID string) (string, error) {
	if err := validatePath(a.cfg.WorkDir, jobID); err != nil {
		return "", err
	}
	return filepath.Join(a.cfg.WorkDir, jobID), nil
}

// prepareDir cleans the job directory and writes the run parameters.
func prepareDir(dir string, op protocol.OpMessage) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean job dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	data, err := json.MarshalIndent(op, "", "  ")
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, parametersFile), data, 0o644)
}

// simulate stands in for a simulation code: it waits d, then writes
// placeholder frames.
func simulate(ctx context.Context, dir string, op protocol.OpMessage, d time.Duration) error {
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return ctx.Err()
	}
	for i := range simFrames {
		data, err := json.Marshal(map[string]any{
			"frameIndex":     i,
			"jobId":          op.JobID,
			"computeJobHash": op.ComputeJobHash,
		})
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("frame-%d.json", i)), data, 0o644); err != nil {
			return fmt.Errorf("write frame %d: %w", i, err)
		}
	}
	return nil
}

// streamLines copies r to w line by line and returns the last line seen.
func streamLines(r io.Reader, w io.Writer) string {
	var last string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			last = line
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			break
		}
	}
	return last
}

func writeStatus(dir string, st jobStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, statusFile), data, 0o644)
}

func readStatus(dir string) (jobStatus, error) {
	var st jobStatus
	data, err := os.ReadFile(filepath.Join(dir, statusFile))
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode %s: %w", statusFile, err)
	}
	return st, nil
}

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	full := filepath.Join(absBase, relPath)
	cleaned := filepath.Clean(full)
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return fmt.Errorf("job id %q escapes work directory", relPath)
	}
	return nil
}

func statusReply(st jobStatus) protocol.AgentMessage {
	msg := protocol.AgentMessage{
		State:          st.State,
		Error:          st.Error,
		ComputeJobHash: st.ComputeJobHash,
	}
	if !st.StartTime.IsZero() {
		msg.StartTime = st.StartTime.Unix()
	}
	return msg
}

func errorReply(err error) protocol.AgentMessage {
	return protocol.AgentMessage{State: model.StatusError, Error: err.Error()}
}
