package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"Spectre-Protocol/internal/capability"
	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/proofs"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !s.decode(w, r, &req) {
		return
	}
	agentID := strings.TrimSpace(req.AgentID)
	if err := s.registry.Register(agentID, req.ModelType, req.Stake); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.registry.Get(agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.registry.List()
	if agents == nil {
		agents = []capability.AgentCapability{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	record, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleReward(w http.ResponseWriter, r *http.Request) {
	s.adjustReputation(w, r, "reward", s.registry.Reward)
}

func (s *Server) handleSlash(w http.ResponseWriter, r *http.Request) {
	s.adjustReputation(w, r, "slash", s.registry.Slash)
}

func (s *Server) adjustReputation(w http.ResponseWriter, r *http.Request, kind string, apply func(string, float64) (float64, bool)) {
	var req adjustReputationRequest
	if !s.decode(w, r, &req) {
		return
	}
	agentID := r.PathValue("id")
	score, ok := apply(agentID, *req.Amount)
	if !ok {
		writeError(w, xerrors.New(capability.CodeAgentNotRegistered, "agent not registered",
			xerrors.WithMetadata("agent_id", agentID)))
		return
	}
	s.metrics.RecordReputation(r.Context(), kind)
	writeJSON(w, http.StatusOK, reputationResponse{AgentID: agentID, Reputation: score})
}

func (s *Server) handlePostJob(w http.ResponseWriter, r *http.Request) {
	var req postJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.market.Post(r.Context(), req.ID, req.Requester, req.RequiredAlgo, req.RewardTokens)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为非负整数"))
			return
		}
		limit = parsed
	}
	jobs, err := s.market.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.market.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleClaimJob(w http.ResponseWriter, r *http.Request) {
	var req claimJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}
	proof, err := proofs.NewExecutionProof(req.AgentID, req.ModelHash, []byte(req.ExecutionProof), timestamp, req.Nonce)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.market.Claim(r.Context(), r.PathValue("id"), proof.AgentID, proof, req.TaskComplexity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.market.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
