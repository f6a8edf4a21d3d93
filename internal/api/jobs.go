package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/jobsupervisor/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []model.JobRecord `json:"jobs"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	status := r.URL.Query().Get("status")
	if status != "" && !model.ValidStatus(status) {
		s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(status))
		return
	}
	class := r.URL.Query().Get("resource_class")

	all := filterJobs(s.ledger.List(), status, class)
	jobs := []model.JobRecord{}
	if offset < len(all) {
		jobs = all[offset:min(offset+limit, len(all))]
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  len(all),
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, ok := s.ledger.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

// filterJobs keeps the records matching status and class. Empty
// filters match everything.
func filterJobs(recs []model.JobRecord, status, class string) []model.JobRecord {
	if status == "" && class == "" {
		return recs
	}
	out := recs[:0:0]
	for _, rec := range recs {
		if status != "" && rec.Status != status {
			continue
		}
		if class != "" && rec.ResourceClass != class {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
