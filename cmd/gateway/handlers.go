package main

import (
	"errors"
	"net/http"
	"strings"

	"trustpath/pkg/decisionpath"
	"trustpath/pkg/egress"
	"trustpath/pkg/httpx"
	"trustpath/pkg/models"
	"trustpath/pkg/receipts"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type executePathRequest struct {
	Plan    *models.Plan            `json:"plan"`
	Context models.ExecutionContext `json:"context"`
}

func (s *Server) handleExecuteDecisionPath(w http.ResponseWriter, r *http.Request) {
	var req executePathRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid request body: "+err.Error())
		return
	}
	if req.Plan == nil {
		httpx.Error(w, 400, "plan required")
		return
	}
	if strings.TrimSpace(req.Plan.ID) == "" || strings.TrimSpace(req.Plan.Tenant) == "" {
		httpx.Error(w, 400, "plan id and tenant required")
		return
	}
	if strings.TrimSpace(req.Context.Tenant) == "" {
		httpx.Error(w, 400, "execution context tenant required")
		return
	}
	if req.Context.RequestID == "" {
		req.Context.RequestID = r.Header.Get(httpx.RequestIDHeader)
	}
	if req.Context.SessionID == "" {
		req.Context.SessionID = uuid.NewString()
	}

	trace, err := s.Engine.ExecuteDecisionPath(r.Context(), req.Plan, req.Context)
	if err != nil {
		httpx.WriteJSON(w, 422, map[string]any{"error": err.Error(), "trace": trace})
		return
	}
	if s.Archive != nil {
		for _, id := range trace.ReceiptIDs {
			if receipt, ok := s.Engine.Receipt(id); ok {
				if aerr := s.Archive.AppendReceipt(r.Context(), receipt); aerr != nil {
					s.Events.PublishTraceEvent("archive.receipt_error", map[string]any{"receipt_id": id, "error": aerr.Error()})
				}
			}
		}
		for _, id := range trace.SafetyCaseIDs {
			if sc, ok := s.Engine.SafetyCase(id); ok {
				if aerr := s.Archive.AppendSafetyCase(r.Context(), sc); aerr != nil {
					s.Events.PublishTraceEvent("archive.safety_case_error", map[string]any{"case_id": id, "error": aerr.Error()})
				}
			}
		}
	}
	httpx.WriteJSON(w, 200, trace)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	trace, ok := s.Engine.Trace(chi.URLParam(r, "trace_id"))
	if !ok {
		httpx.Error(w, 404, "trace not found")
		return
	}
	httpx.WriteJSON(w, 200, trace)
}

func (s *Server) handleGetSafetyCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "case_id")
	if sc, ok := s.Engine.SafetyCase(id); ok {
		httpx.WriteJSON(w, 200, sc)
		return
	}
	if s.Archive != nil {
		if sc, err := s.Archive.SafetyCase(r.Context(), id, r.URL.Query().Get("tenant")); err == nil {
			httpx.WriteJSON(w, 200, sc)
			return
		}
	}
	httpx.Error(w, 404, "safety case not found")
}

func (s *Server) handleVerifySafetyCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "case_id")
	sc, ok := s.Engine.SafetyCase(id)
	if !ok {
		httpx.Error(w, 404, "safety case not found")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"case_id":         sc.ID,
		"key_id":          sc.KeyID,
		"signature_valid": decisionpath.VerifySafetyCase(sc, s.SafetyKey),
	})
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, ok := s.Engine.Certificate(chi.URLParam(r, "certificate_id"))
	if !ok {
		httpx.Error(w, 404, "certificate not found")
		return
	}
	httpx.WriteJSON(w, 200, cert)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, ok := s.Engine.Receipt(chi.URLParam(r, "receipt_id"))
	if !ok {
		httpx.Error(w, 404, "receipt not found")
		return
	}
	httpx.WriteJSON(w, 200, receipt)
}

type verifyReceiptRequest struct {
	Receipt *models.AccessReceipt `json:"receipt"`
	Plan    *models.Plan          `json:"plan"`
	StepID  string                `json:"step_id"`
	Tenant  string                `json:"tenant"`
	UserID  string                `json:"user_id,omitempty"`
}

func (s *Server) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var req verifyReceiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid request body: "+err.Error())
		return
	}
	if req.Receipt == nil || req.Plan == nil {
		httpx.Error(w, 400, "receipt and plan required")
		return
	}
	var step *models.PlanStep
	for i := range req.Plan.Steps {
		if req.Plan.Steps[i].ID == req.StepID {
			step = &req.Plan.Steps[i]
			break
		}
	}
	if step == nil {
		httpx.Error(w, 400, "step_id does not name a plan step")
		return
	}
	result := s.Verifier.VerifyReceipt(r.Context(), req.Receipt, receipts.Context{
		Plan:   req.Plan,
		Step:   step,
		Tenant: req.Tenant,
		UserID: req.UserID,
	})
	if !result.Valid {
		s.Metrics.IncVerifyFailure(result.Reason)
	}
	httpx.WriteJSON(w, 200, result)
}

type createPartitionRequest struct {
	Tenant string   `json:"tenant"`
	Labels []string `json:"labels"`
}

func (s *Server) handleCreatePartition(w http.ResponseWriter, r *http.Request) {
	var req createPartitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, "invalid request body: "+err.Error())
		return
	}
	partition, err := s.Gateway.CreatePartition(req.Tenant, req.Labels)
	if err != nil {
		httpx.Error(w, 422, err.Error())
		return
	}
	httpx.WriteJSON(w, 201, partition)
}

func (s *Server) handleGetPartition(w http.ResponseWriter, r *http.Request) {
	partition, ok := s.Gateway.Partition(chi.URLParam(r, "partition_id"))
	if !ok {
		httpx.Error(w, 404, "partition not found")
		return
	}
	httpx.WriteJSON(w, 200, partition)
}

func (s *Server) handleRegisterPolicy(w http.ResponseWriter, r *http.Request) {
	var policy egress.Policy
	if err := httpx.DecodeJSON(r, &policy); err != nil {
		httpx.Error(w, 400, "invalid request body: "+err.Error())
		return
	}
	if err := s.Firewall.RegisterPolicy(policy); err != nil {
		httpx.Error(w, 422, err.Error())
		return
	}
	httpx.WriteJSON(w, 201, map[string]string{"id": policy.ID})
}

func (s *Server) handleEgressStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Firewall.Stats())
}

func (s *Server) handleRetrievalStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Gateway.Stats())
}

func (s *Server) handleQueryLog(w http.ResponseWriter, r *http.Request) {
	entries := s.Gateway.QueryLog()
	httpx.WriteJSON(w, 200, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleVerifierAuditLog(w http.ResponseWriter, r *http.Request) {
	failures := s.Verifier.AuditLog()
	httpx.WriteJSON(w, 200, map[string]any{"failures": failures, "count": len(failures)})
}

func (s *Server) handleArchivedFailure(w http.ResponseWriter, r *http.Request) {
	if s.Archive == nil {
		httpx.Error(w, 503, "evidence archive unavailable")
		return
	}
	rec, err := s.Archive.Failure(r.Context(), chi.URLParam(r, "receipt_id"), r.URL.Query().Get("tenant"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "verification failure not found")
			return
		}
		httpx.Error(w, 500, "archive lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}
