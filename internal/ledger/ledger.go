package ledger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/jobsupervisor/internal/model"
)

// journalTimeout bounds a single journal write.
const journalTimeout = 5 * time.Second

// Journal receives a copy of every record change and status transition.
type Journal interface {
	UpsertJob(ctx context.Context, rec model.JobRecord) error
	InsertJobEvent(ctx context.Context, ev *model.JobEvent) error
}

// CacheCheck is the outcome of comparing a run request with the ledger.
type CacheCheck struct {
	CacheHit bool
	// Status is the job's status before the check.
	Status      string
	Fingerprint string
	// ParametersChanged is set when a fingerprint was stored and the
	// request's differs: the cached result is stale.
	ParametersChanged bool
}

// Update carries the fields of a status change. Empty fields leave the
// record unchanged.
type Update struct {
	Status  string
	AgentID string
	Error   string
	// Fingerprint is set when the agent reports the parameters it ran.
	Fingerprint string
	StartTime   time.Time
	Message     string
}

type entry struct {
	mu  sync.Mutex
	rec model.JobRecord
}

// Ledger holds one record per job id. The map and each record have their
// own locks; no operation needs both records and the map held together.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*entry

	journal Journal
	broker  *Broker
	seq     atomic.Int64
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty ledger. journal may be nil.
func New(journal Journal, logger *slog.Logger) *Ledger {
	return &Ledger{
		records: make(map[string]*entry),
		journal: journal,
		broker:  NewBroker(),
		now:     time.Now,
		logger:  logger,
	}
}

// Broker returns the ledger's event broker for streaming subscribers.
func (l *Ledger) Broker() *Broker {
	return l.broker
}

// GetOrCreate returns the record for jobID, creating it with status
// missing if none exists.
func (l *Ledger) GetOrCreate(jobID string) model.JobRecord {
	e := l.entry(jobID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// Get returns the record for jobID without creating one.
func (l *Ledger) Get(jobID string) (model.JobRecord, bool) {
	l.mu.Lock()
	e, ok := l.records[jobID]
	l.mu.Unlock()
	if !ok {
		return model.JobRecord{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// List returns every record sorted by job id.
func (l *Ledger) List() []model.JobRecord {
	l.mu.Lock()
	entries := make([]*entry, 0, len(l.records))
	for _, e := range l.records {
		entries = append(entries, e)
	}
	l.mu.Unlock()

	out := make([]model.JobRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// CheckCache reports whether a run of jobID with fingerprint is already
// satisfied. It is a hit when the stored fingerprint matches and the job
// is completed, running or pending.
func (l *Ledger) CheckCache(jobID, fingerprint string) CacheCheck {
	rec := l.GetOrCreate(jobID)

	c := CacheCheck{
		Status:      rec.Status,
		Fingerprint: rec.Fingerprint,
	}
	switch {
	case rec.Fingerprint == "":
		cacheChecks.WithLabelValues("miss").Inc()
	case rec.Fingerprint != fingerprint:
		c.ParametersChanged = true
		cacheChecks.WithLabelValues("stale").Inc()
		l.logger.Info("cached result is stale",
			"job_id", jobID,
			"stored_fingerprint", rec.Fingerprint,
			"requested_fingerprint", fingerprint,
		)
	case model.IsGood(rec.Status):
		c.CacheHit = true
		cacheChecks.WithLabelValues("hit").Inc()
	default:
		cacheChecks.WithLabelValues("miss").Inc()
	}
	return c
}

// RecordRunStart records that an agent confirmed a run of jobID with
// fingerprint. This is the only place a run replaces the stored
// fingerprint. status is the state the agent reported (running or
// pending); a zero start defaults to now.
func (l *Ledger) RecordRunStart(jobID, fingerprint, agentID, class, status string, start time.Time) model.JobRecord {
	if status == "" {
		status = model.StatusRunning
	}
	now := l.now().UTC()
	if start.IsZero() {
		start = now
	}

	e := l.entry(jobID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rec.Status = status
	e.rec.Fingerprint = fingerprint
	e.rec.AgentID = agentID
	e.rec.ResourceClass = class
	e.rec.Error = ""
	e.rec.StartTime = start.UTC()
	e.rec.LastUpdateTime = now

	l.logger.Info("run started",
		"job_id", jobID,
		"agent_id", agentID,
		"resource_class", class,
		"status", status,
		"fingerprint", fingerprint,
	)
	l.commit(e.rec, "run started")
	return e.rec
}

// RecordStatusUpdate applies u to jobID's record and returns the result.
func (l *Ledger) RecordStatusUpdate(jobID string, u Update) model.JobRecord {
	e := l.entry(jobID)
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.rec
	if u.Status != "" {
		e.rec.Status = u.Status
	}
	if u.AgentID != "" {
		e.rec.AgentID = u.AgentID
	}
	if u.Fingerprint != "" {
		e.rec.Fingerprint = u.Fingerprint
	}
	if !u.StartTime.IsZero() {
		e.rec.StartTime = u.StartTime.UTC()
	}
	switch {
	case u.Error != "":
		e.rec.Error = u.Error
	case e.rec.Status != model.StatusError:
		e.rec.Error = ""
	}
	e.rec.LastUpdateTime = l.now().UTC()

	if e.rec.Status == prev.Status && e.rec.Error == prev.Error && e.rec.Fingerprint == prev.Fingerprint {
		l.journalRecord(e.rec)
		return e.rec
	}

	l.logger.Info("job status changed",
		"job_id", jobID,
		"agent_id", e.rec.AgentID,
		"from", prev.Status,
		"to", e.rec.Status,
		"error", model.Truncate(e.rec.Error),
	)
	msg := u.Message
	if msg == "" {
		msg = e.rec.Error
	}
	l.commit(e.rec, msg)
	return e.rec
}

// OnJobStatus applies an agent-reported status to the ledger.
func (l *Ledger) OnJobStatus(r model.Reply) {
	if r.JobID == "" || r.State == "" {
		return
	}
	l.RecordStatusUpdate(r.JobID, Update{
		Status:      r.State,
		AgentID:     r.AgentID,
		Error:       r.Error,
		Fingerprint: r.ComputeJobHash,
		StartTime:   r.StartTime,
		Message:     "reported by agent",
	})
}

// OnAgentLost marks every active job last run by agentID as missing. The
// agent can no longer report on them, so the next status request queries
// an agent and the next run dispatches again. It returns the job ids it
// changed.
func (l *Ledger) OnAgentLost(agentID string) []string {
	l.mu.Lock()
	entries := make([]*entry, 0, len(l.records))
	for _, e := range l.records {
		entries = append(entries, e)
	}
	l.mu.Unlock()

	var lost []string
	for _, e := range entries {
		e.mu.Lock()
		if e.rec.AgentID == agentID && model.IsActive(e.rec.Status) {
			prev := e.rec.Status
			e.rec.Status = model.StatusMissing
			e.rec.LastUpdateTime = l.now().UTC()
			l.logger.Warn("job orphaned by agent disconnect",
				"job_id", e.rec.JobID,
				"agent_id", agentID,
				"from", prev,
			)
			l.commit(e.rec, "agent disconnected")
			lost = append(lost, e.rec.JobID)
		}
		e.mu.Unlock()
	}
	sort.Strings(lost)
	return lost
}

func (l *Ledger) entry(jobID string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.records[jobID]
	if !ok {
		e = &entry{rec: model.JobRecord{
			JobID:          jobID,
			Status:         model.StatusMissing,
			LastUpdateTime: l.now().UTC(),
		}}
		l.records[jobID] = e
		jobRecords.Set(float64(len(l.records)))
	}
	return e
}

// commit journals rec, records a status event and publishes it. The
// caller holds the record's lock so events for one job stay ordered.
func (l *Ledger) commit(rec model.JobRecord, message string) {
	statusTransitions.WithLabelValues(rec.Status).Inc()

	ev := model.JobEvent{
		JobID:       rec.JobID,
		Status:      rec.Status,
		Fingerprint: rec.Fingerprint,
		AgentID:     rec.AgentID,
		Message:     message,
		CreatedAt:   rec.LastUpdateTime,
	}

	l.journalRecord(rec)
	if l.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := l.journal.InsertJobEvent(ctx, &ev); err != nil {
			l.logger.Error("failed to journal job event", "job_id", rec.JobID, "error", err)
		}
		cancel()
	}
	if ev.ID == 0 {
		ev.ID = l.seq.Add(1)
	}
	l.broker.Publish(rec.JobID, ev)
}

func (l *Ledger) journalRecord(rec model.JobRecord) {
	if l.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := l.journal.UpsertJob(ctx, rec); err != nil {
		l.logger.Error("failed to journal job", "job_id", rec.JobID, "error", err)
	}
}
