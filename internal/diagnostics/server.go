package diagnostics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/rideline/internal/relay"
)

// Pool is the slice of relay.Pool the diagnostics API reads from.
type Pool interface {
	ConnectedCount() int
	Status() []relay.RelayStatus
	Subscriptions() []relay.SubscriptionInfo
	Reconcile(ctx context.Context) (relay.ReconcileReport, error)
}

// Server is a lightweight HTTP handler exposing pool state.
type Server struct {
	pool   Pool
	logger *slog.Logger
	router chi.Router
}

// NewServer creates a diagnostics Server. gatherer may be nil, in which case
// /metrics is not mounted.
func NewServer(pool Pool, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{pool: pool, logger: logger, router: chi.NewRouter()}
	s.router.Use(middleware.Recoverer)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/relays", s.handleRelays)
	s.router.Get("/subscriptions", s.handleSubscriptions)
	s.router.Post("/reconcile", s.handleReconcile)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP delegates to the router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.pool.ConnectedCount()
	status := "ok"
	code := http.StatusOK
	if connected == 0 {
		status = "disconnected"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "connected": connected})
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Status())
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := s.pool.Subscriptions()
	if subs == nil {
		subs = []relay.SubscriptionInfo{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.pool.Reconcile(r.Context())
	if err != nil {
		s.logger.Error("reconcile failed", "error", err)
		http.Error(w, `{"error":"reconcile failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
