// Package dashboard serves the staged-trade ledger and run metrics over HTTP
// for operators reviewing plans before submission.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/scranton_puts/internal/storage"
)

// Server exposes the ledger as a small JSON API.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	ledger    storage.Ledger
	registry  *prometheus.Registry
	log       zerolog.Logger
	authToken string
	port      int
}

// Config holds dashboard settings.
type Config struct {
	AuthToken string
	Port      int
}

// LedgerSummary is the committed-margin view of the ledger.
type LedgerSummary struct {
	ByStatus        map[storage.Status]int `json:"by_status"`
	CommittedMargin float64                `json:"committed_margin"`
	CommittedCount  int                    `json:"committed_count"`
	TotalEntries    int                    `json:"total_entries"`
}

// StatusRequest is the body of a status change.
type StatusRequest struct {
	Status storage.Status `json:"status"`
	Reason string         `json:"reason"`
}

// NewServer creates a dashboard server. registry may be nil, in which case
// /metrics is not served.
func NewServer(cfg Config, ledger storage.Ledger, registry *prometheus.Registry, log zerolog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		ledger:    ledger,
		registry:  registry,
		log:       log.With().Str("component", "dashboard").Logger(),
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/ledger", s.handleListEntries)
	s.router.Get("/api/ledger/summary", s.handleSummary)
	s.router.Get("/api/ledger/{id}", s.handleGetEntry)
	s.router.Post("/api/ledger/{id}/status", s.handleUpdateStatus)

	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Int("port", s.port).Msg("Starting dashboard server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.ledger.Entries()

	if want := storage.Status(r.URL.Query().Get("status")); want != "" {
		filtered := make([]storage.Entry, 0, len(entries))
		for _, e := range entries {
			if e.Status == want {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	total, count, err := s.ledger.CommittedMargin(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read committed margin")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	entries := s.ledger.Entries()
	summary := LedgerSummary{
		ByStatus:        make(map[storage.Status]int),
		CommittedMargin: total,
		CommittedCount:  count,
		TotalEntries:    len(entries),
	}
	for _, e := range entries {
		summary.ByStatus[e.Status]++
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, e := range s.ledger.Entries() {
		if e.ID == id {
			s.writeJSON(w, http.StatusOK, e)
			return
		}
	}
	http.Error(w, "Entry not found", http.StatusNotFound)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req StatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}

	err := s.ledger.UpdateStatus(r.Context(), id, req.Status, req.Reason)
	switch {
	case errors.Is(err, storage.ErrEntryNotFound):
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	case errors.Is(err, storage.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.log.Error().Err(err).Str("id", id).Msg("Failed to update ledger entry")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.log.Info().
		Str("id", id).
		Str("status", string(req.Status)).
		Str("reason", req.Reason).
		Msg("Ledger entry updated")
	s.handleGetEntry(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}
