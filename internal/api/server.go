package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"salon-waitlist/internal/config"
	"salon-waitlist/internal/queue"
	"salon-waitlist/internal/telemetry"
	"salon-waitlist/internal/waitlist"
)

// Runner executes the batches on demand.
type Runner interface {
	RunExpireOffers(ctx context.Context, maxRows int) waitlist.OfferExpiryResult
	RunReactivate(ctx context.Context, maxRows int) waitlist.ReactivationResult
}

// Limiter throttles manual triggers per job.
type Limiter interface {
	Allow(ctx context.Context, job string) (bool, float64, error)
}

// DeadLetters exposes chain retries that were given up on.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]queue.ChainRetry, error)
}

// Server wires HTTP handlers for the trigger API.
type Server struct {
	cfg     config.Config
	runner  Runner
	limiter Limiter
	dlq     DeadLetters
	logger  *slog.Logger
}

// New constructs the API server. limiter and dlq may be nil.
func New(cfg config.Config, runner Runner, limiter Limiter, dlq DeadLetters, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		runner:  runner,
		limiter: limiter,
		dlq:     dlq,
		logger:  logger,
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

	r.Post("/jobs/expire-offers", s.handleExpireOffers)
	r.Post("/jobs/reactivate-cooldowns", s.handleReactivate)
	r.Get("/chain-retries/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleExpireOffers(w http.ResponseWriter, r *http.Request) {
	maxRows, ok := s.maxRows(w, r, s.cfg.OfferBatchSize)
	if !ok || !s.allow(w, r, telemetry.JobExpireOffers) {
		return
	}
	res := s.runner.RunExpireOffers(r.Context(), maxRows)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	maxRows, ok := s.maxRows(w, r, s.cfg.ReactivateBatchSize)
	if !ok || !s.allow(w, r, telemetry.JobReactivate) {
		return
	}
	res := s.runner.RunReactivate(r.Context(), maxRows)
	writeJSON(w, http.StatusOK, res)
}

// handleDLQ returns the dead-lettered chain retries.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []queue.ChainRetry{}})
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		s.logger.Warn("read chain retry dlq failed", "error", err)
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []queue.ChainRetry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) maxRows(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("max_rows")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		http.Error(w, "max_rows must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, job string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), job)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", "job", job, "error", err)
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.TriggerRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
