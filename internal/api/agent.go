package api

import (
	"errors"
	"net/http"

	"github.com/seantiz/jobsupervisor/internal/protocol"
)

// handleAgent upgrades the request to an agent channel and feeds every
// message to the dispatcher until the channel closes. A channel serves
// exactly one agent: the first registered agent id it carries.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := protocol.Accept(w, r)
	if err != nil {
		s.logger.Warn("agent upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.trackAgent(conn, true)
	defer func() {
		s.trackAgent(conn, false)
		_ = conn.Close()
	}()

	var agentID string
	for {
		msg, err := conn.Receive()
		if errors.Is(err, protocol.ErrMalformed) {
			s.logger.Warn("malformed agent message", "agent_id", agentID, "error", err)
			continue
		}
		if err != nil {
			s.logger.Debug("agent channel read ended", "agent_id", agentID, "error", err)
			break
		}

		if agentID != "" && msg.AgentID != agentID {
			s.logger.Warn("agent id changed on channel",
				"agent_id", agentID,
				"claimed_agent_id", msg.AgentID,
			)
			continue
		}
		// Errors are logged and counted by the dispatcher; the channel
		// stays open.
		_ = s.dispatcher.OnAgentMessage(conn, msg)
		if agentID == "" && s.dispatcher.Registry().ForAgent(msg.AgentID) != nil {
			agentID = msg.AgentID
		}
	}

	if agentID != "" {
		s.dispatcher.OnAgentDisconnect(agentID, conn)
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dispatcher.Registry().List())
}
