// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/acormier/vigil/internal/anomaly"
	"github.com/acormier/vigil/internal/config"
	"github.com/acormier/vigil/internal/idgen"
	"github.com/acormier/vigil/internal/logging"
	"github.com/acormier/vigil/internal/metrics"
	"github.com/acormier/vigil/internal/notify"
	"github.com/acormier/vigil/internal/pagination"
	"github.com/acormier/vigil/internal/ratelimit"
	"github.com/acormier/vigil/internal/realtime"
	"github.com/acormier/vigil/internal/security"
	"github.com/acormier/vigil/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	detector     *anomaly.Detector
	events       anomaly.EventStore
	analyses     anomaly.AnalysisStore
	webhookStore notify.Store
	dispatcher   *notify.Dispatcher
	emitter      *notify.Emitter
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStores injects event and analysis stores (for testing)
func WithStores(events anomaly.EventStore, analyses anomaly.AnalysisStore) Option {
	return func(s *Server) {
		s.events = events
		s.analyses = analyses
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set stores/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	switch {
	case s.events != nil && s.analyses != nil:
		// Injected stores take precedence
		s.webhookStore = notify.NewMemoryStore()
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		store := anomaly.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate anomaly store", "error", err)
		}
		s.events = store
		s.analyses = store

		webhookStore := notify.NewPostgresStore(db)
		if err := webhookStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		s.webhookStore = webhookStore
	default:
		store := anomaly.NewMemoryStore()
		s.events = store
		s.analyses = store
		s.webhookStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Detector with configured thresholds
	s.detector = anomaly.New(s.events, s.analyses).
		WithConfig(detectionConfig(cfg)).
		WithLogger(logging.Component(s.logger, "detector"))
	s.logger.Info("anomaly detection enabled")

	// Webhook dispatch for external alerting
	s.dispatcher = notify.NewDispatcher(s.webhookStore)
	s.emitter = notify.NewEmitter(s.dispatcher, logging.Component(s.logger, "notify"))
	if err := s.seedAlertWebhook(ctx); err != nil {
		s.logger.Warn("failed to register alert webhook", "error", err)
	}
	s.logger.Info("webhooks enabled")

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"))
	s.logger.Info("realtime streaming enabled")

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// detectionConfig applies environment threshold overrides to the built-in
// defaults. Zero values keep the defaults.
func detectionConfig(cfg *config.Config) anomaly.Config {
	dc := anomaly.DefaultConfig()
	if cfg.MaxFailedLoginsPerHour > 0 {
		dc.MaxFailedPerHour = cfg.MaxFailedLoginsPerHour
	}
	if cfg.MaxFailedLoginsPerDay > 0 {
		dc.MaxFailedPerDay = cfg.MaxFailedLoginsPerDay
	}
	if cfg.MaxTravelKm > 0 {
		dc.MaxTravelKm = cfg.MaxTravelKm
	}
	if cfg.MaxRequestsPerMinute > 0 {
		dc.MaxRequestsPerMinute = cfg.MaxRequestsPerMinute
	}
	if cfg.MaxRequestsPerHour > 0 {
		dc.MaxRequestsPerHour = cfg.MaxRequestsPerHour
	}
	if cfg.MaxBulkRecords > 0 {
		dc.MaxBulkRecords = cfg.MaxBulkRecords
	}
	return dc
}

// seedAlertWebhook registers the operator webhook from the environment so a
// deployment gets alert delivery without an API call.
func (s *Server) seedAlertWebhook(ctx context.Context) error {
	alertURL := os.Getenv("ALERT_WEBHOOK_URL")
	if alertURL == "" {
		return nil
	}

	subs, err := s.webhookStore.List(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.URL == alertURL {
			return nil // already registered
		}
	}

	return s.webhookStore.Create(ctx, &notify.Subscription{
		ID:     idgen.WithPrefix("wh_"),
		Owner:  "operator",
		URL:    alertURL,
		Secret: s.cfg.WebhookSecret,
		Events: []notify.EventType{
			notify.EventHighRisk,
			notify.EventLoginBlocked,
			notify.EventThrottle,
		},
		Active:    true,
		CreatedAt: time.Now(),
	})
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminMiddleware guards management routes with the X-Admin-Secret header.
// When no admin secret is configured (development), the routes stay open.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret != "" && c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time alert streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/", s.infoHandler)
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Analysis endpoints (the core of the service)
	v1.POST("/analyze/login", s.analyzeLogin)
	v1.POST("/analyze/activity", s.analyzeActivity)

	// Event ingest and history
	v1.POST("/events", s.ingestEvent)
	v1.GET("/events/recent", s.recentEvents)

	// Aggregate statistics
	v1.GET("/stats/anomalies", s.anomalyStats)
	v1.GET("/stats/stream", s.streamStats)

	// Webhook management (event notifications to external services)
	admin := v1.Group("")
	admin.Use(s.adminMiddleware())
	notify.NewHandler(s.webhookStore, s.dispatcher).RegisterRoutes(admin)
}

// -----------------------------------------------------------------------------
// Analysis handlers
// -----------------------------------------------------------------------------

// AnalyzeLoginRequest describes an inbound login attempt to evaluate.
type AnalyzeLoginRequest struct {
	UserID    string         `json:"userId" binding:"required"`
	IP        string         `json:"ip" binding:"required"`
	UserAgent string         `json:"userAgent"`
	Success   bool           `json:"success"`
	Metadata  map[string]any `json:"metadata"`
}

// analyzeLogin handles POST /v1/analyze/login
func (s *Server) analyzeLogin(c *gin.Context) {
	ctx := c.Request.Context()

	var req AnalyzeLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.ValidIP("ip", req.IP),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	decision := s.detector.AnalyzeLogin(ctx, anomaly.LoginEvent{
		UserID:    req.UserID,
		IP:        req.IP,
		UserAgent: validation.SanitizeString(req.UserAgent, 512),
		Success:   req.Success,
		Metadata:  req.Metadata,
	})

	// The attempt itself becomes history for future analyses.
	s.recordEvent(ctx, &anomaly.Event{
		Type:      loginEventType(req.Success),
		UserID:    req.UserID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})

	s.publishLogin(&req, &decision)

	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// AnalyzeActivityRequest describes a user action to evaluate.
type AnalyzeActivityRequest struct {
	UserID   string         `json:"userId" binding:"required"`
	Action   string         `json:"action" binding:"required"`
	Endpoint string         `json:"endpoint"`
	Metadata map[string]any `json:"metadata"`
}

// analyzeActivity handles POST /v1/analyze/activity
func (s *Server) analyzeActivity(c *gin.Context) {
	ctx := c.Request.Context()

	var req AnalyzeActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.ValidEndpoint("endpoint", req.Endpoint),
		validation.MaxLength("action", req.Action, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	decision := s.detector.AnalyzeActivity(ctx, anomaly.ActivityEvent{
		UserID:   req.UserID,
		Action:   req.Action,
		Endpoint: req.Endpoint,
		Metadata: req.Metadata,
	})

	s.recordEvent(ctx, &anomaly.Event{
		Type:     anomaly.EventRequest,
		UserID:   req.UserID,
		Endpoint: req.Endpoint,
	})

	s.publishActivity(c, &req, &decision)

	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

func loginEventType(success bool) string {
	if success {
		return anomaly.EventLoginSuccess
	}
	return anomaly.EventLoginFailed
}

// recordEvent stores a security event, assigning an ID and timestamp.
// Best-effort: ingest failures are logged, never surfaced to the caller.
func (s *Server) recordEvent(ctx context.Context, ev *anomaly.Event) {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := s.events.RecordEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to record event", "type", ev.Type, "error", err)
	}
}

// publishLogin pushes a login decision to WebSocket clients and webhooks.
func (s *Server) publishLogin(req *AnalyzeLoginRequest, dec *anomaly.LoginDecision) {
	a := &anomaly.Analysis{
		ID:        dec.AnalysisID,
		Type:      anomaly.AnalysisLogin,
		UserID:    req.UserID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Success:   req.Success,
		Anomalies: dec.Anomalies,
		RiskScore: dec.RiskScore,
		RiskLevel: dec.RiskLevel,
		Timestamp: time.Now(),
	}
	s.realtimeHub.BroadcastAnalysis(a)

	if dec.RiskLevel == anomaly.RiskHigh {
		s.emitter.EmitHighRisk(a)
	}
	if dec.ShouldBlock {
		s.realtimeHub.BroadcastLoginBlock(req.UserID, req.IP, dec.RiskScore)
		s.emitter.EmitLoginBlocked(req.UserID, req.IP, dec.RiskScore)
	}
}

// publishActivity pushes an activity decision to WebSocket clients and
// webhooks, and drains the caller's rate-limit bucket when throttling is
// recommended.
func (s *Server) publishActivity(c *gin.Context, req *AnalyzeActivityRequest, dec *anomaly.ActivityDecision) {
	a := &anomaly.Analysis{
		ID:        dec.AnalysisID,
		Type:      anomaly.AnalysisActivity,
		UserID:    req.UserID,
		Action:    req.Action,
		Endpoint:  req.Endpoint,
		Anomalies: dec.Anomalies,
		RiskScore: dec.RiskScore,
		RiskLevel: dec.RiskLevel,
		Timestamp: time.Now(),
	}
	s.realtimeHub.BroadcastAnalysis(a)

	if dec.ShouldAlert {
		s.emitter.EmitHighRisk(a)
	}
	if dec.ShouldThrottle {
		s.rateLimiter.Penalize(c.ClientIP(), dec.RiskScore/10)
		s.emitter.EmitThrottle(req.UserID, req.Action, dec.RiskScore)
	}
}

// -----------------------------------------------------------------------------
// Event handlers
// -----------------------------------------------------------------------------

// IngestEventRequest is a raw security event reported by the application.
type IngestEventRequest struct {
	Type      string     `json:"type" binding:"required"`
	UserID    string     `json:"userId"`
	IP        string     `json:"ip"`
	UserAgent string     `json:"userAgent"`
	Endpoint  string     `json:"endpoint"`
	Timestamp *time.Time `json:"timestamp"`
}

// ingestEvent handles POST /v1/events
func (s *Server) ingestEvent(c *gin.Context) {
	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.ValidIP("ip", req.IP),
		validation.ValidEndpoint("endpoint", req.Endpoint),
		validation.MaxLength("type", req.Type, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	ev := &anomaly.Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      req.Type,
		UserID:    req.UserID,
		IP:        req.IP,
		UserAgent: validation.SanitizeString(req.UserAgent, 512),
		Endpoint:  req.Endpoint,
		Timestamp: time.Now(),
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	if err := s.events.RecordEvent(c.Request.Context(), ev); err != nil {
		logging.L(c.Request.Context()).Error("failed to record event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to record event",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"event": ev})
}

// recentEvents handles GET /v1/events/recent
func (s *Server) recentEvents(c *gin.Context) {
	filter := anomaly.EventFilter{
		UserID:         c.Query("userId"),
		IP:             c.Query("ip"),
		EndpointPrefix: c.Query("endpointPrefix"),
	}
	if t := c.Query("type"); t != "" {
		filter.Types = []string{t}
	}
	if since := c.Query("since"); since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_since",
				"message": "since must be a duration such as 1h or 30m",
			})
			return
		}
		filter.Since = time.Now().Add(-d)
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not a valid pagination token",
		})
		return
	}
	if cursor != nil {
		filter.Before = cursor.Timestamp
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if _, err := fmt.Sscanf(l, "%d", &limit); err != nil || limit < 1 || limit > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 500",
			})
			return
		}
	}

	// Fetch one extra to decide whether a next page exists.
	events, err := s.events.RecentEvents(c.Request.Context(), filter, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list events",
		})
		return
	}

	events, next, hasMore := pagination.ComputePage(events, limit, func(ev anomaly.Event) (time.Time, string) {
		return ev.Timestamp, ev.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"count":      len(events),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// -----------------------------------------------------------------------------
// Stats handlers
// -----------------------------------------------------------------------------

// anomalyStats handles GET /v1/stats/anomalies
func (s *Server) anomalyStats(c *gin.Context) {
	window := 24 * time.Hour
	if w := c.Query("window"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_window",
				"message": "window must be a positive duration such as 24h",
			})
			return
		}
		window = d
	}

	stats, err := s.detector.Stats(c.Request.Context(), window)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to compute stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute statistics",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"window": window.String(),
		"stats":  stats,
	})
}

// streamStats handles GET /v1/stats/stream
func (s *Server) streamStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Info & health handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Vigil",
		"description": "Behavioral anomaly detection and risk scoring for authentication events",
		"version":     "0.1.0",
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Periodic DB pool metrics. The collector loops until runCtx is
	// cancelled, so it must not run on this goroutine.
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
