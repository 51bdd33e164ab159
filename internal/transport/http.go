// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/failure"
	"github.com/gateway-fm/faultinjector/internal/scenario"
	"github.com/gateway-fm/faultinjector/internal/storage"
	"github.com/gateway-fm/faultinjector/pkg/types"
)

// Input validation constants
const (
	maxWaitSec       = 3600 // Maximum for any single wait: 1 hour
	maxFaultWindow   = 6 * 3600
	maxWarmUpTxCount = 100
	readyTimeout     = 5 * time.Second
)

// validateStartRequest validates the start scenario request parameters
func validateStartRequest(req *types.StartScenarioRequest) error {
	if _, err := cluster.ParseScenario(string(req.Scenario)); err != nil {
		return fmt.Errorf("invalid scenario: %s (valid: less-than-one-third, exactly-one-third, more-than-one-third)", req.Scenario)
	}

	waits := []struct {
		name string
		v    int
	}{
		{"postStopWaitSec", req.PostStopWaitSec},
		{"restartSettleSec", req.RestartSettleSec},
		{"postRestartWaitSec", req.PostRestartWaitSec},
	}
	for _, w := range waits {
		if w.v < 0 {
			return fmt.Errorf("%s cannot be negative, got %d", w.name, w.v)
		}
		if w.v > maxWaitSec {
			return fmt.Errorf("%s exceeds maximum of %d seconds", w.name, maxWaitSec)
		}
	}

	if req.FaultWindowSec < 0 {
		return fmt.Errorf("faultWindowSec cannot be negative, got %d", req.FaultWindowSec)
	}
	if req.FaultWindowSec > maxFaultWindow {
		return fmt.Errorf("faultWindowSec exceeds maximum of %d seconds", maxFaultWindow)
	}

	if req.WarmUpTxCount < 0 {
		return fmt.Errorf("warmUpTxCount cannot be negative, got %d", req.WarmUpTxCount)
	}
	if req.WarmUpTxCount > maxWarmUpTxCount {
		return fmt.Errorf("warmUpTxCount exceeds maximum of %d", maxWarmUpTxCount)
	}

	return nil
}

// ScenarioRunner defines the scenario runner surface the handlers need.
type ScenarioRunner interface {
	Start(sc cluster.Scenario, opts scenario.Options) (*types.StartScenarioResponse, error)
	OptionsFor(req types.StartScenarioRequest) scenario.Options
	Current() types.CurrentRun
}

var _ ScenarioRunner = (*scenario.Runner)(nil)

// ClusterView defines the read-only registry surface the handlers need.
type ClusterView interface {
	Snapshot() []cluster.NodeStatus
	CheckNodesConnectivity(ctx context.Context, hosts []string) []cluster.Connectivity
}

var _ ClusterView = (*cluster.Registry)(nil)

// ServerConfig holds the server dependencies.
type ServerConfig struct {
	Runner  ScenarioRunner
	Cluster ClusterView
	Store   storage.Storage // nil disables history endpoints

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	Logger             *slog.Logger
	CORSAllowedOrigins string
}

// Server handles HTTP requests for the fault injector.
type Server struct {
	runner    ScenarioRunner
	cluster   ClusterView
	store     storage.Storage
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// NewServer creates a new HTTP server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// WebSocket hub for step and run events
	wsServer := NewWebSocketServer(logger)
	wsServer.Start()

	s := &Server{
		runner:    cfg.Runner,
		cluster:   cfg.Cluster,
		store:     cfg.Store,
		gatherer:  cfg.Gatherer,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	// Parse CORS allowed origins
	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Events returns the WebSocket hub so the runner can publish into it.
func (s *Server) Events() *WebSocketServer { return s.wsServer }

// Close stops the WebSocket hub.
func (s *Server) Close() { s.wsServer.Stop() }

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Versioned API endpoints (v1)
	mux.HandleFunc("/v1/nodes", s.corsMiddleware(s.handleNodes))
	mux.HandleFunc("/v1/connectivity", s.corsMiddleware(s.handleConnectivity))
	mux.HandleFunc("/v1/scenarios", s.corsMiddleware(s.handleStartScenario))
	mux.HandleFunc("/v1/scenarios/current", s.corsMiddleware(s.handleCurrent))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// Prometheus metrics (unversioned - standard path)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := false
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, types.ErrorResponse{Error: message})
}

// writeKindError maps an error kind onto a status code.
func (s *Server) writeKindError(w http.ResponseWriter, prefix string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, scenario.ErrRunInProgress):
		code = http.StatusConflict
	case errors.Is(err, failure.ErrConfiguration):
		code = http.StatusBadRequest
	case errors.Is(err, failure.ErrTransient):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, types.ErrorResponse{Error: prefix + err.Error(), Kind: failure.Kind(err)})
}

// handleNodes returns the status of every configured node.
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.cluster.Snapshot())
}

// handleConnectivity probes nodes; ?hosts=a,b limits the probe to named hosts.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var hosts []string
	if raw := r.URL.Query().Get("hosts"); raw != "" {
		for _, h := range strings.Split(raw, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
	}

	writeJSON(w, http.StatusOK, s.cluster.CheckNodesConnectivity(r.Context(), hosts))
}

// handleStartScenario starts a scenario in the background.
func (s *Server) handleStartScenario(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.StartScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := validateStartRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.runner.Start(cluster.Scenario(req.Scenario), s.runner.OptionsFor(req))
	if err != nil {
		s.logger.Error("failed to start scenario", "scenario", req.Scenario, "error", err)
		s.writeKindError(w, "Failed to start scenario: ", err)
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// handleCurrent returns the in-flight or most recent run.
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Current())
}

// handleHistory returns stored runs with optional pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		s.writeJSONError(w, "History storage is disabled", http.StatusNotImplemented)
		return
	}

	limit := 50 // default
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	result, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleHistoryDetail handles GET and DELETE /v1/history/{id}.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, "History storage is disabled", http.StatusNotImplemented)
		return
	}

	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/history/"), "/")
	if runID == "" || strings.Contains(runID, "/") {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if cur := s.runner.Current(); cur.Status == types.StatusRunning && cur.Report != nil && cur.Report.ID == runID {
			s.writeJSONError(w, "Cannot delete the running scenario", http.StatusConflict)
			return
		}
		if err := s.store.DeleteRun(r.Context(), runID); err != nil {
			if errors.Is(err, storage.ErrRunNotFound) {
				s.writeJSONError(w, err.Error(), http.StatusNotFound)
				return
			}
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	case http.MethodGet:
		report, err := s.store.GetRun(r.Context(), runID)
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if report == nil {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, report)

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady reports ready while at least one node answers on some layer.
// Nodes stopped by a running scenario are expected to fail their check.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	start := time.Now()
	results := s.cluster.CheckNodesConnectivity(ctx, nil)
	latency := time.Since(start).Milliseconds()

	checks := make([]ReadinessCheck, 0, len(results))
	anyReachable := false
	for _, c := range results {
		check := ReadinessCheck{
			Name:      fmt.Sprintf("node-%d", c.Index),
			Status:    "ok",
			LatencyMs: latency,
		}
		if c.Reachable() {
			anyReachable = true
		} else {
			check.Status = "failed"
			check.Error = firstNonEmpty(c.Execute.Error, c.Consensus.Error, "unreachable")
		}
		checks = append(checks, check)
	}

	code := http.StatusOK
	if !anyReachable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":    anyReachable,
		"scenario": s.runner.Current().Status,
		"checks":   checks,
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
