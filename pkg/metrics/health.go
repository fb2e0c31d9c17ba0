package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Check reports an unready component by returning an error.
type Check func() error

// HealthEndpoint provides HTTP health check endpoints
type HealthEndpoint struct {
	metrics *Metrics
	logger  *zap.Logger
	started time.Time

	mu     sync.RWMutex
	checks map[string]Check
}

func NewHealthEndpoint(m *Metrics, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthEndpoint{
		metrics: m,
		logger:  logger,
		started: time.Now(),
		checks:  make(map[string]Check),
	}
}

// AddCheck registers a readiness check under name.
func (he *HealthEndpoint) AddCheck(name string, check Check) {
	he.mu.Lock()
	defer he.mu.Unlock()
	he.checks[name] = check
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.metrics.Registry, promhttp.HandlerOpts{}))
}

func (he *HealthEndpoint) runChecks() map[string]string {
	he.mu.RLock()
	defer he.mu.RUnlock()
	failures := make(map[string]string)
	for name, check := range he.checks {
		if err := check(); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

type healthResponse struct {
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	Failures  map[string]string `json:"failures,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// handleHealth provides detailed health information
func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	failures := he.runChecks()

	resp := healthResponse{
		Status:    "healthy",
		Uptime:    time.Since(he.started).Round(time.Second).String(),
		Failures:  failures,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if len(failures) > 0 {
		resp.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		he.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

// handleLiveness checks if the service is alive
func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness checks if the service is ready to handle requests
func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if len(he.runChecks()) == 0 {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// StartServer starts the metrics and health server on addr. An empty addr
// disables it and returns nil.
func StartServer(addr string, endpoint *HealthEndpoint, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	endpoint.RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
