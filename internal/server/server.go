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
	"github.com/rentloop/disputes/internal/auth"
	"github.com/rentloop/disputes/internal/config"
	"github.com/rentloop/disputes/internal/dispute"
	"github.com/rentloop/disputes/internal/health"
	"github.com/rentloop/disputes/internal/logging"
	"github.com/rentloop/disputes/internal/metrics"
	"github.com/rentloop/disputes/internal/notify"
	"github.com/rentloop/disputes/internal/orders"
	"github.com/rentloop/disputes/internal/ratelimit"
	"github.com/rentloop/disputes/internal/realtime"
	"github.com/rentloop/disputes/internal/rooms"
	"github.com/rentloop/disputes/internal/security"
	"github.com/rentloop/disputes/internal/traces"
	"github.com/rentloop/disputes/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	store          dispute.Store
	service        *dispute.Service
	disputeTimer   *dispute.Timer
	orderSvc       orders.Service
	roomSvc        rooms.Creator
	authMgr        *auth.Manager
	notifier       *notify.Emitter
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc         // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

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

// WithOrderService sets a custom order service (for testing)
func WithOrderService(o orders.Service) Option {
	return func(s *Server) {
		s.orderSvc = o
	}
}

// WithRoomService sets a custom room creator (for testing)
func WithRoomService(r rooms.Creator) Option {
	return func(s *Server) {
		s.roomSvc = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		health: health.NewRegistry(),
	}

	// Apply options first (may set collaborators/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
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
		s.store = dispute.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = dispute.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Order service collaborator. Falls back to an in-memory fake in demo
	// mode so the lifecycle can be exercised without a real order service.
	if s.orderSvc == nil {
		if cfg.OrderServiceURL != "" {
			if err := validateServiceURL(cfg, cfg.OrderServiceURL); err != nil {
				return nil, fmt.Errorf("ORDER_SERVICE_URL: %w", err)
			}
			s.orderSvc = orders.NewClient(cfg.OrderServiceURL)
			s.logger.Info("order service client configured", "url", cfg.OrderServiceURL)
		} else {
			s.orderSvc = orders.NewMemory()
			s.logger.Info("order service running in-memory (demo mode)")
		}
	}

	// Chat rooms collaborator for negotiation
	if s.roomSvc == nil {
		if cfg.ChatServiceURL != "" {
			if err := validateServiceURL(cfg, cfg.ChatServiceURL); err != nil {
				return nil, fmt.Errorf("CHAT_SERVICE_URL: %w", err)
			}
			s.roomSvc = rooms.NewClient(cfg.ChatServiceURL)
			s.logger.Info("chat service client configured", "url", cfg.ChatServiceURL)
		} else {
			s.roomSvc = rooms.NewMemory()
			s.logger.Info("negotiation rooms running in-memory (demo mode)")
		}
	}

	// Outbound webhook notifications (best-effort, fire-and-forget)
	if cfg.NotifyWebhookURL != "" {
		if err := validateServiceURL(cfg, cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
		s.notifier = notify.NewEmitter(notify.NewDispatcher(cfg.NotifyWebhookURL, cfg.WebhookSecret), s.logger)
		s.logger.Info("webhook notifications enabled", "url", cfg.NotifyWebhookURL)
	} else {
		s.logger.Info("webhook notifications disabled (no NOTIFY_WEBHOOK_URL set)")
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Dispute lifecycle service
	windows := dispute.Windows{
		Response:    cfg.ResponseWindow(),
		Decision:    cfg.DecisionWindow(),
		Negotiation: cfg.NegotiationWindow(),
		Evidence:    cfg.EvidenceWindow(),
	}
	s.service = dispute.NewService(s.store, &orderServiceAdapter{s.orderSvc}, windows).
		WithRooms(&roomCreatorAdapter{s.roomSvc}).
		WithPublisher(&hubPublisher{s.realtimeHub})
	if s.notifier != nil {
		s.service = s.service.WithNotifier(s.notifier)
	}
	s.disputeTimer = dispute.NewTimer(s.service, cfg.SweepInterval, s.logger)

	// Health checks
	if s.db != nil {
		s.health.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	} else {
		s.health.Register("store", func(context.Context) health.Status {
			return health.Status{Name: "store", Healthy: true, Detail: "in-memory"}
		})
	}

	s.logger.Info("API authentication enabled")

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

// validateServiceURL blocks private/internal hosts in production so a
// misconfigured collaborator URL cannot be used for SSRF.
func validateServiceURL(cfg *config.Config, raw string) error {
	if !cfg.IsProduction() {
		return nil
	}
	return security.ValidateEndpointURL(raw)
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
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	disputeHandler := dispute.NewHandler(s.service)
	authHandler := auth.NewHandler(s.authMgr)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.DisputeIDParamMiddleware())

	// AUTH INFO (public)
	v1.GET("/auth/info", authHandler.Info)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr, s.cfg.AdminSecret), auth.RequireAuth())
	{
		disputeHandler.RegisterProtectedRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.GET("/auth/me", authHandler.Me)
	}

	// ADMIN ROUTES (require admin role or X-Admin-Secret)
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr, s.cfg.AdminSecret), auth.RequireAdmin())
	{
		disputeHandler.RegisterAdminRoutes(admin)

		// Admins issue API keys for platform users
		admin.POST("/auth/keys", authHandler.IssueKey)

		// Manual sweep trigger, same code path as the timer
		admin.POST("/sweep", s.sweepHandler)

		// Realtime hub stats for ops
		admin.GET("/realtime/stats", s.realtimeStatsHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "rentloop-disputes",
		"description": "Dispute resolution for peer-to-peer rentals",
		"version":     "0.1.0",
	})
}

// sweepHandler lets an admin force a sweep between timer ticks.
func (s *Server) sweepHandler(c *gin.Context) {
	res := s.service.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"noResponseEscalated": res.NoResponseEscalated,
		"negotiationsFailed":  res.NegotiationsFailed,
		"errors":              res.Errors,
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Distributed tracing (no-op when no OTLP endpoint configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

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

	// Start the escalation sweep timer
	go s.disputeTimer.Start(runCtx)

	// Collect DB pool stats for Prometheus
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

	// Cancel the context for all background goroutines (hub, sweep timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the sweep timer
	if s.disputeTimer != nil {
		s.disputeTimer.Stop()
		s.logger.Info("sweep timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
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

// -----------------------------------------------------------------------------
// Collaborator adapters
// -----------------------------------------------------------------------------

// orderServiceAdapter adapts orders.Service to dispute.OrderService
type orderServiceAdapter struct {
	o orders.Service
}

func (a *orderServiceAdapter) GetLineItem(ctx context.Context, orderID string, lineItem int) (*dispute.OrderInfo, error) {
	li, err := a.o.GetLineItem(ctx, orderID, lineItem)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return nil, dispute.ErrNotFound
		}
		return nil, err
	}
	return &dispute.OrderInfo{
		OwnerID:       li.OwnerID,
		RenterID:      li.RenterID,
		Phase:         dispute.Phase(li.Phase),
		Disputed:      li.Disputed,
		OwnerContact:  li.OwnerContact,
		RenterContact: li.RenterContact,
	}, nil
}

func (a *orderServiceAdapter) MarkDisputed(ctx context.Context, orderID string, lineItem int) error {
	return a.o.MarkDisputed(ctx, orderID, lineItem)
}

func (a *orderServiceAdapter) ClearDisputed(ctx context.Context, orderID string, lineItem int) error {
	return a.o.ClearDisputed(ctx, orderID, lineItem)
}

// roomCreatorAdapter adapts rooms.Creator to dispute.RoomCreator
type roomCreatorAdapter struct {
	r rooms.Creator
}

func (a *roomCreatorAdapter) CreateRoom(ctx context.Context, participantA, participantB string) (string, error) {
	return a.r.CreateRoom(ctx, participantA, participantB)
}

// hubPublisher adapts realtime.Hub to dispute.Publisher
type hubPublisher struct {
	hub *realtime.Hub
}

func (p *hubPublisher) PublishDisputeEvent(eventType, disputeID string, status dispute.Status, actor string) {
	if p.hub != nil {
		p.hub.BroadcastDispute(eventType, disputeID, string(status), actor)
	}
}
