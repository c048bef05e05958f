// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LabsX402/phantom-paradox-sub002/internal/admission"
	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
	"github.com/LabsX402/phantom-paradox-sub002/internal/netting"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/config"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/errs"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/health"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/logging"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/metrics"
	"github.com/LabsX402/phantom-paradox-sub002/internal/policy"
	"github.com/LabsX402/phantom-paradox-sub002/internal/security"
	"github.com/LabsX402/phantom-paradox-sub002/internal/settlement"
	"github.com/LabsX402/phantom-paradox-sub002/internal/store"
)

// Server fronts the Admission Controller, Netting Engine, and Settlement
// Driver with the public intent-submission endpoint and the operator
// surface.
type Server struct {
	config           *config.Config
	router           *chi.Mux
	store            store.Store
	admission        *admission.Controller
	netting          *netting.Engine
	settlement       *settlement.Driver
	policies         *policy.Registry
	securityManager  *security.SecurityManager
	tokenAuth        *jwtauth.JWTAuth
	server           *http.Server
	logger           *logging.Logger
	metricsCollector *metrics.Metrics
	healthRegistry   *health.Registry
}

// NewServer builds the HTTP server around the engine's core components.
func NewServer(
	cfg *config.Config,
	s store.Store,
	ctrl *admission.Controller,
	nettingEngine *netting.Engine,
	settlementDriver *settlement.Driver,
	policies *policy.Registry,
	securityManager *security.SecurityManager,
	logger *logging.Logger,
	metricsCollector *metrics.Metrics,
) *Server {
	r := chi.NewRouter()
	tokenAuth := jwtauth.New("HS256", []byte(cfg.Auth.JWTSecret), nil)

	srv := &Server{
		config:           cfg,
		router:           r,
		store:            s,
		admission:        ctrl,
		netting:          nettingEngine,
		settlement:       settlementDriver,
		policies:         policies,
		securityManager:  securityManager,
		tokenAuth:        tokenAuth,
		logger:           logger,
		metricsCollector: metricsCollector,
		healthRegistry:   health.NewRegistry(logger),
		server: &http.Server{
			Addr:         cfg.API.Host + ":" + cfg.API.Port,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		},
	}
	srv.server.Handler = r

	srv.setupMiddleware()
	srv.setupRoutes()
	srv.setupHealthChecks()

	return srv
}

func (s *Server) setupMiddleware() {
	securityMiddleware := NewSecurityMiddleware(s.securityManager, s.logger)

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)

	s.router.Use(securityMiddleware.SecureHeaders)
	s.router.Use(securityMiddleware.ContentSecurityPolicy)
	s.router.Use(securityMiddleware.ErrorHandling)
	s.router.Use(securityMiddleware.XSSProtection)
	s.router.Use(securityMiddleware.SQLInjectionProtection)

	s.router.Use(securityMiddleware.RequestLogging)
	s.router.Use(MetricsMiddleware(s.metricsCollector, "api"))
	s.router.Use(RecovererWithMetrics(s.logger, s.metricsCollector, "api"))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Action-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	securityMiddleware := NewSecurityMiddleware(s.securityManager, s.logger)

	// Public surface: intent submission and operator login.
	s.router.Group(func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)

		// Admission ingress is rate-limited per source IP: a flood of
		// malformed or spam intents from one client must not starve the
		// Admission Controller.
		r.With(
			httprate.LimitByIP(s.config.API.SubmitRateLimit, s.config.API.SubmitRateWindow),
			securityMiddleware.ValidateContentType("application/json"),
			securityMiddleware.InputSanitization,
		).Post("/v1/intents", s.handleSubmitIntent)

		r.With(securityMiddleware.ValidateContentType("application/json")).
			Post("/v1/auth/login", s.handleOperatorLogin)
	})

	// Operator surface: requires a valid JWT minted by handleOperatorLogin.
	s.router.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(s.tokenAuth))
		r.Use(securityMiddleware.JWTWithBruteForceProtection)
		r.Use(jwtauth.Authenticator)
		r.Use(s.operatorOnly)
		r.Use(securityMiddleware.OperatorActionToken)
		r.Use(securityMiddleware.InputSanitization)
		r.Use(securityMiddleware.ValidateContentType("application/json"))
		r.Use(securityMiddleware.ResponseSanitization)

		r.Post("/v1/operator/batches/force-close", s.handleForceCloseBatch)
		r.Post("/v1/operator/batches/{batch_id}/retry-settlement", s.handleRetrySettlement)
		r.Get("/v1/operator/batches/{batch_id}", s.handleGetBatch)
		r.Post("/v1/operator/session-policies", s.handleRegisterSessionPolicy)
		r.Delete("/v1/operator/session-policies/{session_pubkey}", s.handleRevokeSessionPolicy)
	})
}

func (s *Server) setupHealthChecks() {
	s.healthRegistry.Register("api", health.ServiceChecker("api", func(ctx context.Context) error {
		return nil
	}))
	s.healthRegistry.Register("store", health.ServiceChecker("store", func(ctx context.Context) error {
		return s.store.Ping(ctx)
	}))
}

// Start runs the server until it is shut down. It blocks the calling
// goroutine; callers run it via go s.Start() as the API service does.
func (s *Server) Start() {
	s.logger.Info("starting API server", "addr", s.server.Addr)
	s.metricsCollector.ServiceLastStarted.Set(float64(time.Now().Unix()))

	uptimeDone := make(chan struct{})
	s.metricsCollector.RecordUptime(uptimeDone)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("API server stopped unexpectedly", "error", err.Error())
		close(uptimeDone)
	}
}

func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during API server shutdown", "error", err.Error())
	}
}

// Response is the engine's standard JSON envelope.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.healthRegistry.RunChecks(r.Context())

	status := health.StatusUp
	for _, check := range checks {
		if check.Status == health.StatusDown {
			status = health.StatusDown
			break
		} else if check.Status == health.StatusUnknown && status != health.StatusDown {
			status = health.StatusUnknown
		}
	}

	httpStatus := http.StatusOK
	if status == health.StatusDown {
		httpStatus = http.StatusServiceUnavailable
	}

	s.renderJSON(w, Response{
		Success: status == health.StatusUp,
		Message: "service health status: " + string(status),
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now().Unix(),
			"version":   s.config.API.Version,
			"checks":    checks,
			"system": map[string]interface{}{
				"go_version":    runtime.Version(),
				"go_goroutines": runtime.NumGoroutine(),
				"go_cpus":       runtime.NumCPU(),
			},
		},
	}, httpStatus)
}

// handleSubmitIntent is the public admission ingress: a trade intent
// submitted over HTTP runs through the same Controller.SubmitIntent
// decision procedure as one arriving over the Kafka ingest loop.
func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var intent model.TradeIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		s.renderError(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if err := s.admission.SubmitIntent(r.Context(), &intent); err != nil {
		status, msg := classifyAdmissionError(err)
		s.renderError(w, msg, status)
		return
	}

	s.renderJSON(w, Response{Success: true, Message: "intent accepted", Data: map[string]interface{}{"id": intent.ID}}, http.StatusAccepted)
}

func classifyAdmissionError(err error) (int, string) {
	if e, ok := err.(*errs.Error); ok {
		return http.StatusUnprocessableEntity, e.Message
	}
	return http.StatusInternalServerError, "internal error"
}

// handleOperatorLogin authenticates an operator against the configured
// credential and issues a JWT for the operator surface.
func (s *Server) handleOperatorLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.renderError(w, "malformed request body", http.StatusBadRequest)
		return
	}

	allowed, err := s.securityManager.CheckLoginAllowed(req.Username)
	if err != nil {
		s.renderError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		s.renderError(w, "account temporarily locked", http.StatusTooManyRequests)
		return
	}

	if req.Username != s.config.Auth.OperatorUsername ||
		!s.securityManager.VerifyPassword(s.config.Auth.OperatorPasswordHash, req.Password) {
		_ = s.securityManager.RecordFailedLogin(req.Username)
		s.renderError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	_ = s.securityManager.ResetFailedLogins(req.Username)

	claims := map[string]interface{}{
		"sub":  req.Username,
		"role": "operator",
		"exp":  time.Now().Add(s.config.Auth.JWTExpirationTime).Unix(),
	}
	_, tokenString, err := s.tokenAuth.Encode(claims)
	if err != nil {
		s.renderError(w, "failed to generate token", http.StatusInternalServerError)
		return
	}

	actionToken, err := s.securityManager.GenerateActionToken(req.Username)
	if err != nil {
		s.renderError(w, "failed to generate action token", http.StatusInternalServerError)
		return
	}

	s.renderJSON(w, Response{
		Success: true,
		Message: "login successful",
		Data: map[string]interface{}{
			"token":        tokenString,
			"action_token": actionToken,
			"expires_at":   time.Now().Add(s.config.Auth.JWTExpirationTime).Unix(),
		},
	}, http.StatusOK)
}

// handleForceCloseBatch closes the current pending window into a batch
// immediately, bypassing batch.min_intents.
func (s *Server) handleForceCloseBatch(w http.ResponseWriter, r *http.Request) {
	result, ok, err := s.netting.ForceClose(r.Context(), s.config.Batch.MaxIntents)
	if err != nil {
		s.renderError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		s.renderJSON(w, Response{Success: true, Message: "no pending intents to close"}, http.StatusOK)
		return
	}
	s.renderJSON(w, Response{Success: true, Message: "batch formed", Data: result.Batch}, http.StatusOK)
}

// handleRetrySettlement resubmits one batch through the Settlement
// Driver, idempotently.
func (s *Server) handleRetrySettlement(w http.ResponseWriter, r *http.Request) {
	if s.settlement == nil {
		s.renderError(w, "settlement driver not enabled", http.StatusServiceUnavailable)
		return
	}

	batchID := chi.URLParam(r, "batch_id")
	batch, err := s.store.GetBatch(r.Context(), batchID)
	if err != nil {
		s.renderError(w, "failed to load batch", http.StatusInternalServerError)
		return
	}
	if batch == nil {
		s.renderError(w, "batch not found", http.StatusNotFound)
		return
	}

	if err := s.settlement.SettleBatch(r.Context(), batch); err != nil {
		s.renderError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.renderJSON(w, Response{Success: true, Message: "settlement retried", Data: batch}, http.StatusOK)
}

// handleGetBatch returns a batch's full record for operator inspection.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	batch, err := s.store.GetBatch(r.Context(), batchID)
	if err != nil {
		s.renderError(w, "failed to load batch", http.StatusInternalServerError)
		return
	}
	if batch == nil {
		s.renderError(w, "batch not found", http.StatusNotFound)
		return
	}
	items, _ := s.store.GetSettledItems(r.Context(), batchID)
	deltas, _ := s.store.GetNetCashDeltas(r.Context(), batchID)

	s.renderJSON(w, Response{Success: true, Data: map[string]interface{}{
		"batch":           batch,
		"settled_items":   items,
		"net_cash_deltas": deltas,
	}}, http.StatusOK)
}

// handleRegisterSessionPolicy registers a delegated session-key policy
// on behalf of a wallet owner.
func (s *Server) handleRegisterSessionPolicy(w http.ResponseWriter, r *http.Request) {
	var p model.SessionKeyPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.renderError(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.policies.Register(r.Context(), &p); err != nil {
		s.renderError(w, "failed to register session policy", http.StatusInternalServerError)
		return
	}
	s.renderJSON(w, Response{Success: true, Message: "session policy registered"}, http.StatusCreated)
}

func (s *Server) handleRevokeSessionPolicy(w http.ResponseWriter, r *http.Request) {
	sessionPubkey := chi.URLParam(r, "session_pubkey")
	if err := s.policies.Revoke(r.Context(), sessionPubkey); err != nil {
		s.renderError(w, "failed to revoke session policy", http.StatusInternalServerError)
		return
	}
	s.renderJSON(w, Response{Success: true, Message: "session policy revoked"}, http.StatusOK)
}

func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			s.renderError(w, "authentication error", http.StatusUnauthorized)
			return
		}
		role, ok := claims["role"].(string)
		if !ok || role != "operator" {
			s.renderError(w, "operator access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("error encoding JSON response", "error", err.Error())
	}
}

func (s *Server) renderError(w http.ResponseWriter, message string, status int) {
	s.metricsCollector.RecordError("api", "http", strconv.Itoa(status))
	s.renderJSON(w, Response{Success: false, Error: message}, status)
}
