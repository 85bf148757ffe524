package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"missed-call-recovery/internal/config"
	"missed-call-recovery/internal/models"
	"missed-call-recovery/internal/ratelimit"
	"missed-call-recovery/internal/telemetry"
)

// RecoveryService is the slice of the workflow the HTTP layer calls.
type RecoveryService interface {
	Enqueue(ctx context.Context, callID, phone, tenantID string) (models.QueueEntry, bool, error)
	HandleCustomerResponse(ctx context.Context, phone, text, tenantID string) error
	QueueStatus(ctx context.Context, tenantID string) models.QueueStatus
	QueueMetrics(ctx context.Context, tenantID string, from, to time.Time) models.QueueMetrics
	RunCycle(ctx context.Context) error
}

// EntryReader serves the entry detail endpoints.
type EntryReader interface {
	GetEntry(ctx context.Context, id string) (models.QueueEntry, error)
	ListAttempts(ctx context.Context, entryID string) ([]models.Attempt, error)
}

// Server wires HTTP handlers for the webhook and dashboard API.
type Server struct {
	cfg     config.Config
	svc     RecoveryService
	entries EntryReader
	limiter *ratelimit.Limiter
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, svc RecoveryService, entries EntryReader, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		entries: entries,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/missed-call", s.handleMissedCall)
	r.Post("/webhooks/inbound-sms", s.handleInboundSMS)
	r.Get("/queue/status", s.handleQueueStatus)
	r.Get("/queue/metrics", s.handleQueueMetrics)
	r.Get("/queue/entries/{id}", s.handleGetEntry)
	r.Post("/internal/cycle", s.handleCycle)
	return r
}

type missedCallRequest struct {
	CallID   string `json:"call_id"`
	Phone    string `json:"phone"`
	TenantID string `json:"tenant_id"`
}

type missedCallResponse struct {
	Entry   models.QueueEntry `json:"entry"`
	Created bool              `json:"created"`
}

func (s *Server) handleMissedCall(w http.ResponseWriter, r *http.Request) {
	var req missedCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantFromRequest(r)
	}
	if req.CallID == "" || req.Phone == "" {
		http.Error(w, "call_id and phone are required", http.StatusBadRequest)
		return
	}
	if !s.allow(r, req.TenantID) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	entry, created, err := s.svc.Enqueue(r.Context(), req.CallID, req.Phone, req.TenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, missedCallResponse{Entry: entry, Created: created})
}

type inboundSMSRequest struct {
	Phone    string `json:"phone"`
	Text     string `json:"text"`
	TenantID string `json:"tenant_id"`
}

func (s *Server) handleInboundSMS(w http.ResponseWriter, r *http.Request) {
	req, err := decodeInboundSMS(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantFromRequest(r)
	}
	if !s.allow(r, req.TenantID) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	if err := s.svc.HandleCustomerResponse(r.Context(), req.Phone, req.Text, req.TenantID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// decodeInboundSMS accepts both our JSON shape and Twilio's form-encoded
// webhook (From/Body fields).
func decodeInboundSMS(r *http.Request) (inboundSMSRequest, error) {
	var req inboundSMSRequest
	if strings.Contains(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return req, errors.New("invalid form body")
		}
		req.Phone = r.PostFormValue("From")
		req.Text = r.PostFormValue("Body")
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid json")
	}
	if req.Phone == "" {
		return req, errors.New("phone is required")
	}
	return req, nil
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenant,
		"counts":    s.svc.QueueStatus(r.Context(), tenant),
	})
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "from must be RFC3339", http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "to must be RFC3339", http.StatusBadRequest)
			return
		}
		to = t
	}
	writeJSON(w, http.StatusOK, s.svc.QueueMetrics(r.Context(), tenant, from, to))
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.entries.GetEntry(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	attempts, err := s.entries.ListAttempts(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry":    entry,
		"attempts": attempts,
	})
}

// handleCycle triggers one processor pass, for operators and tests. The
// scheduled loop in cmd/worker covers production.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RunCycle(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// allow checks the tenant's webhook budget. Limiter failures fail open:
// losing a missed-call event costs a lead, throttling errors should not.
func (s *Server) allow(r *http.Request, tenantID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.AllowTenant(r.Context(), tenantID)
	if err != nil {
		log.Printf("[api] rate limit tenant=%s: %v", tenantID, err)
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		return false
	}
	return true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("tenant_id"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
