package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/circleback/sync-worker/internal/locking"
	"github.com/circleback/sync-worker/internal/metrics"
	"github.com/circleback/sync-worker/internal/models"
	"github.com/circleback/sync-worker/internal/ratelimit"
	"github.com/circleback/sync-worker/internal/repository"
	"github.com/circleback/sync-worker/internal/service"
)

// Google push notification headers.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerMessageNumber = "X-Goog-Message-Number"
)

// WebhookHandler processes validated push notifications.
type WebhookHandler interface {
	HandleNotification(ctx context.Context, channelID, resourceID, resourceState, verificationToken, messageNumber string) (service.NotificationOutcome, error)
}

// SummaryProvider aggregates recorded sync metrics.
type SummaryProvider interface {
	Summarize(ctx context.Context, since time.Time) (*repository.SyncSummary, error)
}

// ProposalAPI is the meeting-proposal surface.
type ProposalAPI interface {
	Propose(ctx context.Context, accountID, contactName string, start, end time.Time) (*models.TimeProposal, error)
	Accept(ctx context.Context, proposalID string, expectedVersion int64) (*models.TimeProposal, error)
	Decline(ctx context.Context, proposalID string, expectedVersion int64) (*models.TimeProposal, error)
}

// Server exposes the worker's HTTP surface: the Google webhook receiver, a
// manual sync trigger, the metrics summary, health, and Prometheus scrape.
type Server struct {
	httpServer *http.Server
	webhooks   WebhookHandler
	trigger    service.SyncTrigger
	summary    SummaryProvider
	proposals  ProposalAPI
	rate       service.RateGate
}

func New(addr string, webhooks WebhookHandler, trigger service.SyncTrigger, summary SummaryProvider, proposals ProposalAPI, rate service.RateGate) *Server {
	s := &Server{
		webhooks:  webhooks,
		trigger:   trigger,
		summary:   summary,
		proposals: proposals,
		rate:      rate,
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/webhooks/google", s.handleGoogleWebhook)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Get("/sync/summary", s.handleSyncSummary)
		r.Post("/sync/trigger", s.handleSyncTrigger)
		r.Post("/proposals", s.handleCreateProposal)
		r.Post("/proposals/{id}/accept", s.handleAcceptProposal)
		r.Post("/proposals/{id}/decline", s.handleDeclineProposal)
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the server until ListenAndServe fails.
func (s *Server) Start() error {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGoogleWebhook receives Google push notifications. Google retries
// non-2xx responses, so validation failures are answered 200 after being
// audited; only internal errors surface as 5xx.
func (s *Server) handleGoogleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get(headerChannelID)
	resourceID := r.Header.Get(headerResourceID)
	resourceState := r.Header.Get(headerResourceState)
	channelToken := r.Header.Get(headerChannelToken)
	messageNumber := r.Header.Get(headerMessageNumber)

	if channelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing channel id header"})
		return
	}

	outcome, err := s.webhooks.HandleNotification(r.Context(), channelID, resourceID, resourceState, channelToken, messageNumber)
	if err != nil {
		log.Printf("Webhook handling failed for channel %s: %v", channelID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	metrics.ObserveWebhookEvent(string(outcome))
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handleSyncSummary(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	summary, err := s.summary.Summarize(r.Context(), since)
	if err != nil {
		log.Printf("Failed to summarize sync metrics: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type triggerRequest struct {
	AccountID   string `json:"account_id"`
	Integration string `json:"integration"`
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	integration := models.IntegrationType(req.Integration)
	if req.AccountID == "" || (integration != models.IntegrationContacts && integration != models.IntegrationCalendar) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account_id and integration (contacts|calendar) are required"})
		return
	}

	if err := s.trigger.TriggerNow(r.Context(), req.AccountID, integration, models.SyncTypeManual); err != nil {
		log.Printf("Manual sync trigger failed for %s/%s: %v", req.AccountID, integration, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

type proposalRequest struct {
	AccountID   string    `json:"account_id"`
	ContactName string    `json:"contact_name"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type versionRequest struct {
	Version int64 `json:"version"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.AccountID == "" || req.WindowStart.IsZero() || req.WindowEnd.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account_id, window_start, and window_end are required"})
		return
	}

	proposal, err := s.proposals.Propose(r.Context(), req.AccountID, req.ContactName, req.WindowStart, req.WindowEnd)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, proposal)
}

func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	s.handleProposalTransition(w, r, s.proposals.Accept)
}

func (s *Server) handleDeclineProposal(w http.ResponseWriter, r *http.Request) {
	s.handleProposalTransition(w, r, s.proposals.Decline)
}

func (s *Server) handleProposalTransition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id string, version int64) (*models.TimeProposal, error)) {
	id := chi.URLParam(r, "id")

	var req versionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	proposal, err := apply(r.Context(), id, req.Version)
	if err != nil {
		status := proposalErrorStatus(err)
		if status == http.StatusInternalServerError {
			log.Printf("Proposal transition failed for %s: %v", id, err)
			writeJSON(w, status, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

// proposalErrorStatus maps conflict-shaped errors to 409 so clients can
// re-read and retry; lock acquisition timeouts are 503.
func proposalErrorStatus(err error) int {
	var conflict *service.SlotConflictError
	var version *locking.OptimisticLockError
	var timeout *locking.LockTimeoutError
	switch {
	case errors.As(err, &conflict), errors.As(err, &version):
		return http.StatusConflict
	case errors.As(err, &timeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, repository.ErrProposalNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// rateLimitMiddleware applies the API policy per client address.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		decision := s.rate.Acquire(r.Context(), ratelimit.PolicyAPI, host)
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
		if !decision.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", decision.RetryAfter.Seconds()))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":            "rate limit exceeded",
				"retry_after_secs": decision.RetryAfter.Seconds(),
				"remaining":        decision.Remaining,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
