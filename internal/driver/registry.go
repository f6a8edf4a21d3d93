package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/jobsupervisor/internal/model"
)

// SessionInfo describes an agent session.
type SessionInfo struct {
	AgentID       string `json:"agent_id"`
	ResourceClass string `json:"resource_class"`
	Bound         bool   `json:"bound"`
	Queued        int    `json:"queued"`
	Outstanding   int    `json:"outstanding"`
}

// Registry holds one session per agent id and picks the session that
// serves a request.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	selector Selector
}

// NewRegistry creates an empty registry using sel to choose among
// candidate sessions. A nil sel selects the first session of the class.
func NewRegistry(sel Selector) *Registry {
	if sel == nil {
		sel = FirstSession{}
	}
	return &Registry{
		sessions: make(map[string]*Session),
		selector: sel,
	}
}

// Register adds s. Agent ids are unique.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.AgentID()]; ok {
		return fmt.Errorf("agent %q is already registered", s.AgentID())
	}
	r.sessions[s.AgentID()] = s
	return nil
}

// ForAgent returns the session for agentID, or nil if none exists.
func (r *Registry) ForAgent(agentID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[agentID]
}

// Select returns the session that should serve a request of class from
// uid. A non-empty hint naming a registered agent wins regardless of
// class, so follow-up ops reach the agent that holds the job.
func (r *Registry) Select(class, uid, hint string) (*Session, error) {
	if hint != "" {
		if s := r.ForAgent(hint); s != nil {
			r.selector.Observe(uid, s)
			return s, nil
		}
	}

	candidates := r.ofClass(class)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no agent serves resource class %q: %w", class, model.ErrAgentUnreachable)
	}
	s := r.selector.Select(uid, candidates)
	r.selector.Observe(uid, s)
	return s, nil
}

// Sessions returns every session sorted by agent id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AgentID() < out[j].AgentID()
	})
	return out
}

// List returns a snapshot of every session, sorted by agent id for a
// stable API response.
func (r *Registry) List() []SessionInfo {
	sessions := r.Sessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

func (r *Registry) ofClass(class string) []*Session {
	var out []*Session
	for _, s := range r.Sessions() {
		if s.Class() == class {
			out = append(out, s)
		}
	}
	return out
}
