package server

import (
	"net/http"
	"strconv"

	"github.com/wattex/wattexd/internal/domain"
)

type registerAgentRequest struct {
	OwnerID       string               `json:"owner_id"`
	Type          domain.AgentType     `json:"type"`
	ExecutionMode domain.ExecutionMode `json:"execution_mode,omitempty"`
	Config        domain.AgentConfig   `json:"config"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	a, err := s.deps.Agents.Register(r.Context(), &domain.Agent{
		OwnerID:       req.OwnerID,
		Type:          req.Type,
		ExecutionMode: req.ExecutionMode,
		Config:        req.Config,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusCreated, a)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.Agents().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, a)
}

type agentStatusRequest struct {
	Status domain.AgentStatus `json:"status"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req agentStatusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	a, err := s.deps.Agents.SetStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, a)
}

func (s *Server) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	var limits domain.AgentConfig
	if err := decode(r, &limits); err != nil {
		writeError(w, s.log, err)
		return
	}
	a, err := s.deps.Agents.Configure(r.Context(), r.PathValue("id"), limits)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, a)
}

// handleListProposals returns an agent's proposals, defaulting to the
// pending approval queue.
func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	const op = "server.list_proposals"

	status := domain.ProposalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.ProposalPending
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, s.log, domain.NewValidationError(op, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	proposals, err := s.deps.Store.Agents().ListProposals(r.Context(), r.PathValue("id"), status, limit)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, proposals)
}

func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Agents.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, p)
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Agents.Reject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, p)
}
