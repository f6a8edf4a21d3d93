package api

import (
	"net/http"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// healthResponse reports liveness plus whether every resource class has
// an agent able to take work. A degraded supervisor still answers 200:
// requests for a class without a bound agent fail individually.
type healthResponse struct {
	Status       string          `json:"status"`
	Agents       int             `json:"agents"`
	BoundAgents  int             `json:"bound_agents"`
	ClassesReady map[string]bool `json:"classes_ready"`
	Journal      bool            `json:"journal"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{
		Status:       healthOK,
		ClassesReady: make(map[string]bool),
		Journal:      s.store != nil,
	}
	for _, info := range s.dispatcher.Registry().List() {
		res.Agents++
		if info.Bound {
			res.BoundAgents++
		}
		res.ClassesReady[info.ResourceClass] = res.ClassesReady[info.ResourceClass] || info.Bound
	}
	for _, ready := range res.ClassesReady {
		if !ready {
			res.Status = healthDegraded
		}
	}
	s.writeJSON(w, http.StatusOK, res)
}
