package driver

import (
	"fmt"
	"sync"
)

// Selector picks one session among candidates of the requested class.
// Candidates are never empty and are sorted by agent id.
type Selector interface {
	Select(uid string, candidates []*Session) *Session
	// Observe records that uid's request was routed to s.
	Observe(uid string, s *Session)
}

// Selector policy names accepted by NewSelector.
const (
	PolicyFirst    = "first"
	PolicyAffinity = "affinity"
)

// NewSelector returns the selector for policy, or an error naming the
// unknown policy.
func NewSelector(policy string) (Selector, error) {
	switch policy {
	case "", PolicyFirst:
		return FirstSession{}, nil
	case PolicyAffinity:
		return NewUserAffinity(), nil
	default:
		return nil, fmt.Errorf("unknown selector policy %q", policy)
	}
}

// FirstSession prefers the first bound session, falling back to the first
// session so the op waits for that agent to connect.
type FirstSession struct{}

func (FirstSession) Select(_ string, candidates []*Session) *Session {
	return firstBound(candidates)
}

func (FirstSession) Observe(string, *Session) {}

// UserAffinity routes a user back to the session that served their
// previous request while it is still a candidate.
type UserAffinity struct {
	mu   sync.Mutex
	last map[string]string
}

// NewUserAffinity creates an affinity selector with no history.
func NewUserAffinity() *UserAffinity {
	return &UserAffinity{last: make(map[string]string)}
}

func (a *UserAffinity) Select(uid string, candidates []*Session) *Session {
	a.mu.Lock()
	prev := a.last[uid]
	a.mu.Unlock()

	if prev != "" {
		for _, s := range candidates {
			if s.AgentID() == prev {
				return s
			}
		}
	}
	return firstBound(candidates)
}

func (a *UserAffinity) Observe(uid string, s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last[uid] = s.AgentID()
}

func firstBound(candidates []*Session) *Session {
	for _, s := range candidates {
		if s.Bound() {
			return s
		}
	}
	return candidates[0]
}
