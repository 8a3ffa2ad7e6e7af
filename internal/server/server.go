package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/task-router/internal/intelligence"
	"github.com/tributary-ai/task-router/internal/metrics"
	"github.com/tributary-ai/task-router/internal/middleware"
	"github.com/tributary-ai/task-router/internal/routing"
	"github.com/tributary-ai/task-router/internal/store"
	"github.com/tributary-ai/task-router/internal/types"
)

// Config holds server configuration
type Config struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	MaxRequestSize int64         `yaml:"max_request_size"`

	// MetricsPath serves Prometheus metrics when set
	MetricsPath string `yaml:"metrics_path"`

	// RateLimit applies per client to the /v1 API
	RateLimit middleware.RateLimitConfig `yaml:"rate_limit"`
}

// HealthAdmin is the part of the health monitor exposed over HTTP
type HealthAdmin interface {
	Snapshot() map[string]types.ProviderHealth
	SetMaintenance(provider string, enabled bool) types.ProviderHealth
}

// Services are the components behind the HTTP API. The intelligence
// components are optional; their routes are registered only when set.
type Services struct {
	Router   *routing.Router
	Health   HealthAdmin
	Tasks    store.TaskMetadataStore
	Registry store.ModelCapabilityRegistry
	Metrics  *metrics.Metrics

	Engine          *intelligence.Engine
	Predictor       *intelligence.Predictor
	Forecaster      *intelligence.Forecaster
	DefaultStrategy intelligence.Strategy
}

// Server represents the HTTP server
type Server struct {
	services    Services
	httpServer  *http.Server
	logger      *logrus.Logger
	config      *Config
	validator   *middleware.ValidationMiddleware
	rateLimiter *middleware.RateLimiter
}

// NewServer creates a new server instance
func NewServer(services Services, config *Config, logger *logrus.Logger) (*Server, error) {
	if services.Router == nil || services.Health == nil || services.Tasks == nil || services.Registry == nil {
		return nil, fmt.Errorf("server requires router, health, tasks and registry")
	}
	if config == nil {
		config = &Config{}
	}
	if services.DefaultStrategy == "" {
		services.DefaultStrategy = intelligence.StrategyBalanced
	}

	validator, err := middleware.NewValidationMiddleware(&middleware.ValidationConfig{Enabled: true}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
	}

	return &Server{
		services:    services,
		logger:      logger,
		config:      config,
		validator:   validator,
		rateLimiter: middleware.NewRateLimiter(config.RateLimit, nil, logger),
	}, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting task router server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping task router server")
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the routed handler
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)
	r.Use(s.bodyLimitMiddleware)
	r.Use(s.validator.Middleware)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.rateLimiter.Middleware)

	// Task routing
	api.HandleFunc("/route", s.handleRoute).Methods("POST")
	api.HandleFunc("/completions", s.handleCompletion).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/cache", s.handleClearCache).Methods("DELETE")

	// Providers
	api.HandleFunc("/providers/health", s.handleProviderHealth).Methods("GET")
	api.HandleFunc("/providers/{provider}/maintenance", s.handleMaintenance).Methods("PUT")

	// Catalog
	api.HandleFunc("/task-types", s.handleListTaskTypes).Methods("GET")
	api.HandleFunc("/task-types/{type}", s.handleGetTaskType).Methods("GET")
	api.HandleFunc("/task-types/{type}", s.handlePutTaskType).Methods("PUT")
	api.HandleFunc("/models", s.handleListModels).Methods("GET")
	api.HandleFunc("/models", s.handleRegisterModel).Methods("POST")

	// Deployment intelligence
	if s.services.Engine != nil {
		api.HandleFunc("/deployment/decision", s.handleDeploymentDecision).Methods("POST")
	}
	if s.services.Forecaster != nil {
		api.HandleFunc("/forecast/load", s.handleForecastLoad).Methods("GET")
	}
	if s.services.Predictor != nil {
		api.HandleFunc("/performance", s.handleAddPerformance).Methods("POST")
		api.HandleFunc("/performance/predict", s.handlePredictPerformance).Methods("GET")
	}

	if s.config.MetricsPath != "" && s.services.Metrics != nil {
		r.Handle(s.config.MetricsPath, s.services.Metrics.Handler()).Methods("GET")
	}

	s.setupSwaggerRoutes(r)

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			contentType := r.Header.Get("Content-Type")
			if contentType != "application/json" && contentType != "" {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxRequestSize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// Routing handlers

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req types.RoutingDecisionRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.services.Router.RouteTask(r.Context(), &req)
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var completion types.TaskCompletion
	if !s.decode(w, r, &completion) {
		return
	}

	if err := s.services.Router.RecordTaskCompletion(r.Context(), completion); err != nil {
		s.writeRoutingError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "recorded",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.services.Router.GetRoutingStats())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.services.Router.ClearCache(r.Context()); err != nil {
		s.logger.WithError(err).Error("Failed to clear decision cache")
		s.writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to clear cache: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Provider handlers

// handleHealthCheck is healthy when every provider is healthy or not yet checked.
// It fails only when no provider can take traffic.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	snapshot := s.services.Health.Snapshot()

	overallHealthy := true
	anyUp := len(snapshot) == 0
	for _, h := range snapshot {
		if !h.Status.Routable() {
			overallHealthy = false
		}
		if h.Status != types.StatusUnavailable && h.Status != types.StatusMaintenance {
			anyUp = true
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	switch {
	case !anyUp:
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	case !overallHealthy:
		status = "degraded"
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"status":    status,
		"providers": snapshot,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.services.Health.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": snapshot,
		"count":     len(snapshot),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	s.writeJSON(w, http.StatusOK, s.services.Health.SetMaintenance(provider, body.Enabled))
}

// Catalog handlers

func (s *Server) handleListTaskTypes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := types.TaskFilter{
		DataSensitivity:  types.SensitivityLevel(query.Get("data_sensitivity")),
		BusinessPriority: types.BusinessPriority(query.Get("business_priority")),
	}
	if v := query.Get("requires_local"); v != "" {
		local, err := strconv.ParseBool(v)
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid requires_local: %v", err))
			return
		}
		filter.RequiresLocal = &local
	}

	tasks, err := s.services.Tasks.ListTaskMetadata(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list task types")
		s.writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list task types: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_types": tasks,
		"count":      len(tasks),
	})
}

func (s *Server) handleGetTaskType(w http.ResponseWriter, r *http.Request) {
	taskType := mux.Vars(r)["type"]

	meta, err := s.services.Tasks.GetTaskMetadata(r.Context(), taskType)
	if err != nil {
		s.logger.WithError(err).WithField("task_type", taskType).Error("Failed to load task type")
		s.writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load task type: %v", err))
		return
	}
	if meta == nil {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Task type %s not found", taskType))
		return
	}

	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handlePutTaskType(w http.ResponseWriter, r *http.Request) {
	taskType := mux.Vars(r)["type"]

	var meta types.TaskMetadata
	if !s.decode(w, r, &meta) {
		return
	}
	if meta.TaskType == "" {
		meta.TaskType = taskType
	}
	if meta.TaskType != taskType {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Body task_type %s does not match path %s", meta.TaskType, taskType))
		return
	}

	if err := s.services.Tasks.PutTaskMetadata(r.Context(), &meta); err != nil {
		s.writeRoutingError(w, err)
		return
	}
	// cached decisions were made under the old definition
	if err := s.services.Router.ClearCache(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Failed to clear decision cache after task type update")
	}

	stored, err := s.services.Tasks.GetTaskMetadata(r.Context(), taskType)
	if err != nil || stored == nil {
		s.writeJSON(w, http.StatusOK, meta)
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.services.Registry.ListModels(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to list models")
		s.writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list models: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": models,
		"count":  len(models),
	})
}

func (s *Server) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	var capability types.ModelCapability
	if !s.decode(w, r, &capability) {
		return
	}

	registered, err := s.services.Registry.RegisterModel(r.Context(), capability)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, registered)
}

// Deployment intelligence handlers

type deploymentDecisionRequest struct {
	Analysis    intelligence.TaskAnalysis               `json:"analysis"`
	Costs       map[intelligence.DeploymentMode]float64 `json:"costs"`
	Strategy    intelligence.Strategy                   `json:"strategy,omitempty"`
	CurrentLoad *float64                                `json:"current_load,omitempty"`
}

func (s *Server) handleDeploymentDecision(w http.ResponseWriter, r *http.Request) {
	var req deploymentDecisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Strategy == "" {
		req.Strategy = s.services.DefaultStrategy
	}

	costs := intelligence.CostComparison{TaskID: req.Analysis.TaskID, Costs: req.Costs}
	decision, err := s.services.Engine.MakeRoutingDecision(r.Context(), req.Analysis, costs, req.Strategy, req.CurrentLoad)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleForecastLoad(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	horizon := 0
	if v := query.Get("horizon_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 168 {
			s.writeErrorResponse(w, http.StatusBadRequest, "horizon_hours must be between 1 and 168")
			return
		}
		horizon = n
	}

	s.writeJSON(w, http.StatusOK, s.services.Forecaster.ForecastLoad(horizon, query.Get("task_type")))
}

func (s *Server) handleAddPerformance(w http.ResponseWriter, r *http.Request) {
	var sample intelligence.PerformanceSample
	if !s.decode(w, r, &sample) {
		return
	}

	if err := s.services.Predictor.AddPerformanceData(sample); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "recorded",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handlePredictPerformance(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := intelligence.PredictionRequest{
		Metric:    intelligence.Metric(query.Get("metric")),
		TaskType:  query.Get("task_type"),
		Mode:      intelligence.DeploymentMode(query.Get("deployment_mode")),
		ModelType: query.Get("model_type"),
		Method:    intelligence.ForecastMethod(query.Get("method")),
	}
	if v := query.Get("horizon_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid horizon_hours: %v", err))
			return
		}
		req.HorizonHours = n
	}

	prediction, err := s.services.Predictor.PredictPerformance(req)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, prediction)
}

// Helper functions

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeErrorResponse(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return false
	}
	return true
}

// statusFor maps routing error kinds to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrConfiguration), errors.Is(err, types.ErrNoCandidate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeRoutingError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	if types.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	s.writeErrorResponse(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(errorResp)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
