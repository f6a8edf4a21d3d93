package api

import (
	"net/http"

	"github.com/seantiz/jobsupervisor/internal/dispatcher"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total       int                     `json:"total"`
	ByStatus    map[string]int          `json:"by_status"`
	ByClass     map[string]int          `json:"by_class"`
	Events      int                     `json:"events"`
	Agents      int                     `json:"agents"`
	BoundAgents int                     `json:"bound_agents"`
	Queues      []dispatcher.ClassStats `json:"queues"`
	Journaled   bool                    `json:"journaled"`
}

// handleGetStats reports job counts from the journal when one is
// configured, and from the live ledger otherwise.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		ByStatus: make(map[string]int),
		ByClass:  make(map[string]int),
		Queues:   s.dispatcher.QueueStats(),
	}

	if s.store != nil {
		stats, err := s.store.GetJobStats(r.Context())
		if err != nil {
			s.logger.Error("get job stats", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		resp.Total = stats.Total
		resp.ByStatus = stats.CountByStatus
		resp.ByClass = stats.CountByClass
		resp.Events = stats.Events
		resp.Journaled = true
	} else {
		for _, rec := range s.ledger.List() {
			resp.Total++
			resp.ByStatus[rec.Status]++
			if rec.ResourceClass != "" {
				resp.ByClass[rec.ResourceClass]++
			}
		}
	}

	for _, a := range s.dispatcher.Registry().List() {
		resp.Agents++
		if a.Bound {
			resp.BoundAgents++
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
