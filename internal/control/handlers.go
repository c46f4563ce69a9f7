package control

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/audit"
	"github.com/wardgate/wardgate/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func limitParam(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	entries, err := s.interceptor.AuditLogger().RecentEvents(r.Context(), limitParam(r, 100))
	if err != nil {
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	filter := storage.RequestFilter{
		AgentID: r.URL.Query().Get("agent"),
		Domain:  r.URL.Query().Get("domain"),
		Limit:   limitParam(r, 100),
	}
	records, err := s.dao.ListRequests(r.Context(), filter)
	if err != nil {
		http.Error(w, "failed to load requests", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.dao.ListAgents(r.Context())
	if err != nil {
		http.Error(w, "failed to load agents", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	records, err := s.domains.All(r.Context())
	if err != nil {
		http.Error(w, "failed to load domains", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDomainApprove(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["domain"]
	record, err := s.domains.Approve(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logDomainEvent(r, api.EventApprovalGranted, name)
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDomainDeny(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["domain"]
	record, err := s.domains.Deny(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logDomainEvent(r, api.EventApprovalDenied, name)
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) logDomainEvent(r *http.Request, eventType api.EventType, domain string) {
	if _, err := s.interceptor.AuditLogger().LogEvent(r.Context(), eventType,
		map[string]any{"domain": domain, "via": "control-api"}, audit.EventContext{}); err != nil {
		s.logger.Warn("audit write failed", "event", eventType, "error", err)
	}
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.approvals.Pending())
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.approvals.Approve(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "approved"})
}

func (s *Server) handleApprovalDeny(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.approvals.Deny(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "denied"})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	type policyInfo struct {
		ID       string `json:"id"`
		FilePath string `json:"file_path"`
		Name     string `json:"name"`
		Priority int    `json:"priority"`
	}
	loaded := s.policies.Documents()
	infos := make([]policyInfo, 0, len(loaded))
	for _, doc := range loaded {
		infos = append(infos, policyInfo{
			ID:       doc.ID,
			FilePath: doc.FilePath,
			Name:     doc.Document.Name,
			Priority: doc.Priority,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	auditReport, err := s.interceptor.AuditLogger().VerifyChain(r.Context())
	if err != nil {
		http.Error(w, "failed to verify audit chain", http.StatusInternalServerError)
		return
	}
	receiptReport, err := s.interceptor.Receipts().VerifyChain(r.Context())
	if err != nil {
		http.Error(w, "failed to verify receipt chain", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]audit.ChainReport{
		"audit":    auditReport,
		"receipts": receiptReport,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.dao.CountRequestsByDecision(r.Context())
	if err != nil {
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	agents, err := s.dao.ListAgents(r.Context())
	if err != nil {
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	domains, err := s.domains.All(r.Context())
	if err != nil {
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}

	total := 0
	for _, count := range decisions {
		total += count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests_total":    total,
		"decisions":         decisions,
		"agents":            len(agents),
		"domains":           len(domains),
		"pending_approvals": len(s.approvals.Pending()),
	})
}
