// Package api serves the admin HTTP surface of the access layer: health,
// optimization metrics and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shizukutanaka/dbaccel/internal/cache"
	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/shizukutanaka/dbaccel/internal/monitoring"
	"github.com/shizukutanaka/dbaccel/internal/optimization"
	"go.uber.org/zap"
)

// Layer is the part of the access layer the admin server reads from.
type Layer interface {
	PoolStatuses() []database.PoolStatus
	GetOptimizationMetrics() monitoring.Snapshot
	TopFingerprints(n int) []monitoring.FingerprintReport
	CacheStats() (cache.StatsSnapshot, bool)
	OptimizerStats() optimization.OptimizerStats
}

// Server provides the admin HTTP interface
type Server struct {
	logger  *zap.Logger
	config  Config
	router  *mux.Router
	server  *http.Server
	layer   Layer
	metrics http.Handler
	limiter *IPRateLimiter
	started time.Time
}

// Config defines admin server configuration
type Config struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// requests per second per client IP, 0 disables limiting
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// DefaultConfig returns the default admin server settings.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		ListenAddr: "127.0.0.1:8081",
		RateLimit:  20,
		RateBurst:  40,
	}
}

// Response represents API response format
type Response struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// NewServer creates the admin server. metrics serves GET /metrics and may
// be nil.
func NewServer(config Config, logger *zap.Logger, layer Layer, metrics http.Handler) (*Server, error) {
	if !config.Enabled {
		return nil, errors.New("admin server disabled")
	}
	if layer == nil {
		return nil, errors.New("admin server requires an access layer")
	}

	s := &Server{
		logger:  logger,
		config:  config,
		layer:   layer,
		metrics: metrics,
		started: time.Now(),
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = config.RateLimit
		}
		s.limiter = NewIPRateLimiter(config.RateLimit, time.Second, burst)
	}

	s.setupRoutes()
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}
	s.logger.Info("Starting admin server", zap.String("listen_addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the admin server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down admin server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.requestMiddleware, s.recoveryMiddleware)
	if s.limiter != nil {
		s.router.Use(s.rateLimitMiddleware)
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/pools", s.handlePools).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics/optimization", s.handleOptimization).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics/fingerprints", s.handleFingerprints).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    s.layer.PoolStatuses(),
		Time:    time.Now(),
	})
}

// OptimizationReport is the body of GET /metrics/optimization.
type OptimizationReport struct {
	monitoring.Snapshot
	Cache     *cache.StatsSnapshot        `json:"cache,omitempty"`
	Optimizer optimization.OptimizerStats `json:"optimizer"`
}

func (s *Server) handleOptimization(w http.ResponseWriter, r *http.Request) {
	report := OptimizationReport{
		Snapshot:  s.layer.GetOptimizationMetrics(),
		Optimizer: s.layer.OptimizerStats(),
	}
	if st, ok := s.layer.CacheStats(); ok {
		report.Cache = &st
	}
	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: report, Time: time.Now()})
}

const (
	defaultFingerprintLimit = 10
	maxFingerprintLimit     = 100
)

func (s *Server) handleFingerprints(w http.ResponseWriter, r *http.Request) {
	limit := defaultFingerprintLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxFingerprintLimit)
	}
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    s.layer.TopFingerprints(limit),
		Time:    time.Now(),
	})
}

// sendJSON sends JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// sendError sends error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{
		Success: false,
		Error:   message,
		Time:    time.Now(),
	})
}
