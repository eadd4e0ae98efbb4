// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/registry"
)

// Server wires HTTP handlers to the queue and the strategy registry.
type Server struct {
	router     chi.Router
	queue      harvest.Queue
	quota      harvest.QuotaTracker
	strategies *registry.Registry
	clock      harvest.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	queue harvest.Queue,
	quota harvest.QuotaTracker,
	strategies *registry.Registry,
	clock harvest.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		queue:      queue,
		quota:      quota,
		strategies: strategies,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Post("/", s.submitItem)
			r.Get("/", s.listItems)
			r.Route("/{item_id}", func(r chi.Router) {
				r.Get("/", s.getItem)
				r.Post("/requeue", s.requeueItem)
				r.Post("/cancel", s.cancelItem)
			})
		})
		r.Get("/strategies", s.listStrategies)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The queue is the only hard dependency; probe it with a cheap read.
	if _, err := s.queue.ListByStatus(r.Context(), harvest.StatusPending, 1); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitItemRequest struct {
	SourceURI   string `json:"source_uri"`
	ContentHint string `json:"content_hint"`
	Priority    int    `json:"priority"`
}

func (s *Server) submitItem(w http.ResponseWriter, r *http.Request) {
	var req submitItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SourceURI == "" {
		writeError(w, http.StatusBadRequest, "source_uri required")
		return
	}
	hint := harvest.ContentHint(req.ContentHint)
	if hint == "" {
		hint = harvest.HintArticle
	}
	acq, err := harvest.NewRequest(req.SourceURI, hint, req.Priority, s.clock)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	itemID, err := s.queue.Enqueue(queueCtx, acq)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"item_id": itemID})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	status := harvest.ItemStatus(r.URL.Query().Get("status"))
	switch status {
	case harvest.StatusPending, harvest.StatusInProgress, harvest.StatusSucceeded,
		harvest.StatusFailedPermanent, harvest.StatusDead:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.queue.ListByStatus(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")
	item, err := s.queue.Get(r.Context(), itemID)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (s *Server) requeueItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")
	newID, err := s.queue.Requeue(r.Context(), itemID)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"item_id": newID, "requeued_from": itemID})
}

func (s *Server) cancelItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")
	if err := s.queue.Cancel(r.Context(), itemID); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"item_id": itemID, "status": "cancel_requested"})
}

type strategyStatus struct {
	Name            string    `json:"name"`
	CostTier        int       `json:"cost_tier"`
	RequiresSession bool      `json:"requires_session"`
	Hints           []string  `json:"hints,omitempty"`
	Metered         bool      `json:"metered"`
	QuotaUsed       int       `json:"quota_used,omitempty"`
	QuotaLimit      int       `json:"quota_limit,omitempty"`
	QuotaResetsAt   time.Time `json:"quota_resets_at,omitzero"`
}

func (s *Server) listStrategies(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	out := make([]strategyStatus, 0)
	for _, strat := range s.strategies.All() {
		row := strategyStatus{
			Name:            strat.Name(),
			CostTier:        strat.CostTier(),
			RequiresSession: strat.RequiresSession(),
		}
		for _, h := range strat.Hints() {
			row.Hints = append(row.Hints, string(h))
		}
		if resetAt, metered := s.quota.NextReset(strat.Name(), now); metered {
			row.Metered = true
			row.QuotaResetsAt = resetAt
			used, limit, err := s.quota.Usage(r.Context(), strat.Name())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			row.QuotaUsed = used
			row.QuotaLimit = limit
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": out})
}

// writeQueueError maps queue sentinel errors to HTTP statuses.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, harvest.ErrItemNotFound):
		writeError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, harvest.ErrNotTerminal), errors.Is(err, harvest.ErrDuplicateActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
