// Package health provides health check HTTP endpoints for udprelay.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats contains proxy health statistics.
type Stats struct {
	Running         bool   `json:"running"`
	ListenAddress   string `json:"listen_address"`
	UpstreamAddress string `json:"upstream_address"`
	StartedAt       string `json:"started_at,omitempty"`
	Sessions        int    `json:"sessions"`
	DatagramsUp     uint64 `json:"datagrams_up"`
	DatagramsDown   uint64 `json:"datagrams_down"`
	BytesUp         uint64 `json:"bytes_up"`
	BytesDown       uint64 `json:"bytes_down"`
	// Human-readable byte totals, for people reading the endpoint directly.
	BytesUpHuman   string `json:"bytes_up_human"`
	BytesDownHuman string `json:"bytes_down_human"`
}

// Humanize fills the human-readable fields from the raw counters.
func (s *Stats) Humanize() {
	s.BytesUpHuman = humanize.Bytes(s.BytesUp)
	s.BytesDownHuman = humanize.Bytes(s.BytesDown)
}

// StatsProvider provides proxy statistics.
type StatsProvider interface {
	// IsRunning returns true if the proxy is forwarding.
	IsRunning() bool

	// Stats returns proxy statistics.
	Stats() Stats
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start begins serving. It returns once the listener is bound; serving
// continues in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("health server listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", "error", err)
		}
	}()

	s.logger.Info("health server started", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !s.provider.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.provider.Stats()
	stats.Humanize()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Error("failed to encode stats", "error", err)
	}
}
