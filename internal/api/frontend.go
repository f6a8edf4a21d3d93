package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/jobsupervisor/internal/gateway"
	"github.com/seantiz/jobsupervisor/internal/model"
)

// maxBodySize bounds a front-end request; simulation data travels inline.
const maxBodySize = 8 << 20 // 8 MB

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	var p model.Params
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeJSON(w, http.StatusBadRequest, gateway.Response{State: model.StatusError, Error: "invalid JSON body"})
		return
	}

	res, err := s.gateway.Handle(r.Context(), p)
	if err == nil {
		s.writeJSON(w, http.StatusOK, res)
		return
	}

	status := statusFor(err)
	if res.State == "" {
		res = gateway.Response{State: model.StatusError, Error: err.Error()}
	}
	if status == http.StatusServiceUnavailable {
		res.NextRequestSeconds = gateway.DefaultPollSeconds
	}

	attrs := []any{
		"api", p.API,
		"uid", p.UID,
		"status", status,
		"error", err,
		"request_id", middleware.GetReqID(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Warn("request failed", attrs...)
	}
	s.writeJSON(w, status, res)
}

// statusFor maps a gateway error to its HTTP status. A simulation failure
// is a valid answer and keeps 200.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUpstreamCompute):
		return http.StatusOK
	case errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case model.Transient(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrProtocolViolation):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
