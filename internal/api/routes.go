// Package api provides the HTTP surface of the gateway: the inbound mail
// webhook, health and metrics endpoints, and a small admin API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/nonatech-uk/hash-calendar-email/internal/auth"
	"github.com/nonatech-uk/hash-calendar-email/internal/bulk"
	"github.com/nonatech-uk/hash-calendar-email/internal/cfg"
	"github.com/nonatech-uk/hash-calendar-email/internal/db"
	"github.com/nonatech-uk/hash-calendar-email/internal/dispatch"
	"github.com/nonatech-uk/hash-calendar-email/internal/metrics"
)

// Handler wraps dependencies for HTTP handlers.
type Handler struct {
	db         *db.DB
	cfg        *cfg.Config
	tokens     *auth.TokenService
	dispatcher *dispatch.Dispatcher
	bulk       *bulk.Processor
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(database *db.DB, config *cfg.Config, tokens *auth.TokenService, dispatcher *dispatch.Dispatcher, processor *bulk.Processor, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		db:         database,
		cfg:        config,
		tokens:     tokens,
		dispatcher: dispatcher,
		bulk:       processor,
		metrics:    m,
		logger:     logger,
	}
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	// Inbound mail. The second path is kept for forwarders still pointed
	// at the old plugin endpoint.
	mux.HandleFunc("POST /webhook/incoming", h.Incoming)
	mux.HandleFunc("POST /wp-json/gh3-email/v1/incoming", h.Incoming)

	// Health
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)
	mux.Handle("GET /metrics", h.metrics.Handler())

	// Permalinks
	mux.HandleFunc("GET /runs/{id}", h.RunPage)

	// Without a signing key anyone could mint admin tokens, so the admin
	// API is left unmounted.
	if !h.cfg.AdminEnabled() {
		return mux
	}

	// Auth (public)
	mux.HandleFunc("POST /api/v1/auth/token", h.IssueToken)

	// Admin (authenticated)
	admin := func(f http.HandlerFunc) http.Handler {
		return Chain(f, h.WithAuth, RequireScope(auth.AdminScope))
	}
	mux.Handle("GET /api/v1/runs", admin(h.ListRuns))
	mux.Handle("GET /api/v1/runs/export", Chain(gzhttp.GzipHandler(http.HandlerFunc(h.ExportRuns)), h.WithAuth, RequireScope(auth.AdminScope)))
	mux.Handle("GET /api/v1/audit", admin(h.ListAudit))
	mux.Handle("GET /api/v1/settings", admin(h.GetSettings))
	mux.Handle("PUT /api/v1/settings", admin(h.UpdateSettings))

	return mux
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
	})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "not ready",
			Version: h.cfg.Version,
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ready",
		Version: h.cfg.Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
