package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ShareLink/internal/journal"
	"ShareLink/internal/logger"
	"ShareLink/internal/provider"
)

const (
	// defaultStaleAfter is the age from which /status lists a request as stale.
	defaultStaleAfter = 30 * time.Second
)

// StatusProvider exposes the provider client's state for monitoring.
type StatusProvider interface {
	Status(staleAfter time.Duration) provider.Status
	Evict(id string) bool
}

// JournalReader exposes the persisted request history.
type JournalReader interface {
	Unresolved() ([]journal.Record, error)
	Anomalies() ([]journal.Anomaly, error)
}

// Server is the HTTP status server.
type Server struct {
	addr     string              // addr is the HTTP listen address
	status   StatusProvider      // status provides client state
	journal  JournalReader       // journal provides request history, may be nil
	gatherer prometheus.Gatherer // gatherer serves /metrics, may be nil
	listener net.Listener        // listener is bound by Start
	server   *http.Server        // server is the underlying HTTP server
}

// New creates a new HTTP status server.
func New(addr string, status StatusProvider, journal JournalReader, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		status:   status,
		journal:  journal,
		gatherer: gatherer,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /journal/unresolved", s.handleUnresolved)
	mux.HandleFunc("GET /journal/anomalies", s.handleAnomalies)
	mux.HandleFunc("DELETE /pending/{id}", s.handleEvict)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("status server started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			logger.Error("status server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status?stale=<duration> requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	staleAfter := defaultStaleAfter

	if v := r.URL.Query().Get("stale"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid stale duration %q", v))
			return
		}

		staleAfter = d
	}

	writeJSON(w, http.StatusOK, s.status.Status(staleAfter))
}

// handleUnresolved handles GET /journal/unresolved requests.
func (s *Server) handleUnresolved(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not enabled")
		return
	}

	records, err := s.journal.Unresolved()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, records)
}

// handleAnomalies handles GET /journal/anomalies requests.
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not enabled")
		return
	}

	anomalies, err := s.journal.Anomalies()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, anomalies)
}

// handleEvict handles DELETE /pending/{id} requests.
func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	id := r.PathValue("id")

	if !s.status.Evict(id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no pending request %q", id))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"evicted": id,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
