// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/fixmarket/fixmarket/internal/admin"
	"github.com/fixmarket/fixmarket/internal/auth"
	"github.com/fixmarket/fixmarket/internal/config"
	"github.com/fixmarket/fixmarket/internal/dispute"
	"github.com/fixmarket/fixmarket/internal/health"
	"github.com/fixmarket/fixmarket/internal/idgen"
	"github.com/fixmarket/fixmarket/internal/logging"
	"github.com/fixmarket/fixmarket/internal/metrics"
	"github.com/fixmarket/fixmarket/internal/notify"
	"github.com/fixmarket/fixmarket/internal/offer"
	"github.com/fixmarket/fixmarket/internal/order"
	"github.com/fixmarket/fixmarket/internal/payment"
	"github.com/fixmarket/fixmarket/internal/ratelimit"
	"github.com/fixmarket/fixmarket/internal/reconcile"
	"github.com/fixmarket/fixmarket/internal/review"
	"github.com/fixmarket/fixmarket/internal/security"
	"github.com/fixmarket/fixmarket/internal/user"
	"github.com/fixmarket/fixmarket/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	users    *user.Service
	authMgr  *auth.Manager
	emitter  *notify.Emitter
	orders   *order.Service
	offers   *offer.Service
	payments *payment.Service
	disputes *dispute.Service
	reviews  *review.Service
	sweeper  *reconcile.Sweeper

	checker      *health.Checker
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc

	healthy atomic.Bool
	ready   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger (for testing)
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFmt),
	}

	for _, opt := range opts {
		opt(s)
	}

	var (
		userStore    user.Store
		authStore    auth.Store
		notifyStore  notify.Store
		orderStore   order.Store
		offerStore   offer.Store
		paymentStore payment.Store
		disputeStore dispute.Store
		reviewStore  review.Store
	)

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
		userStore = user.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		orderStore = order.NewPostgresStore(db)
		offerStore = offer.NewPostgresStore(db)
		paymentStore = payment.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		reviewStore = review.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		userStore = user.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		orderStore = order.NewMemoryStore()
		offerStore = offer.NewMemoryStore()
		paymentStore = payment.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		reviewStore = review.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// One lock registry serializes every multi-entity mutation per order,
	// whether it arrives over HTTP or from a sweep.
	locks := order.NewLocks()

	s.users = user.NewService(userStore, cfg.MinWithdrawal)
	s.authMgr = auth.NewManager(authStore)
	s.emitter = notify.NewEmitter(notifyStore, s.logger)
	s.orders = order.NewService(orderStore, locks, s.emitter, cfg.MaxActiveOrders)
	s.offers = offer.NewService(offerStore, orderStore, locks, s.emitter, s.users, cfg.MaxPendingOffers)
	s.payments = payment.NewService(paymentStore, orderStore, locks, s.users, s.emitter, s.logger, cfg.CommissionBps)
	s.disputes = dispute.NewService(disputeStore, orderStore, s.payments, locks, s.emitter, cfg.PostCompletionWindow)
	s.reviews = review.NewService(reviewStore, orderStore, s.users)
	s.sweeper = reconcile.NewSweeper(orderStore, s.payments, s.disputes, locks, cfg.SweepInterval, cfg.AutoReleaseAfter, cfg.DisputeTimeout, s.logger)

	s.checker = health.NewChecker(5 * time.Second)
	if s.db != nil {
		s.checker.Register("database", s.db.PingContext)
	}

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

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS
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
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())

	orderHandler := order.NewHandler(s.orders)
	offerHandler := offer.NewHandler(s.offers)
	paymentHandler := payment.NewHandler(s.payments)
	disputeHandler := dispute.NewHandler(s.disputes)
	userHandler := user.NewHandler(s.users)
	reviewHandler := review.NewHandler(s.reviews)
	notifyHandler := notify.NewHandler(s.emitter)
	authHandler := auth.NewHandler(s.authMgr, &userDirectory{s.users}, s.cfg.AdminSecret)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no auth required)
	// Browsing orders and reviews needs no account
	orderHandler.RegisterRoutes(v1)
	reviewHandler.RegisterRoutes(v1)

	// KEY ISSUANCE (guarded by admin secret, not an API key, so the
	// first key can be bootstrapped)
	authHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		orderHandler.RegisterProtectedRoutes(protected)
		offerHandler.RegisterProtectedRoutes(protected)
		paymentHandler.RegisterProtectedRoutes(protected)
		disputeHandler.RegisterProtectedRoutes(protected)
		userHandler.RegisterProtectedRoutes(protected)
		reviewHandler.RegisterProtectedRoutes(protected)
		notifyHandler.RegisterProtectedRoutes(protected)
		authHandler.RegisterProtectedRoutes(protected)
	}

	// ADMIN ROUTES
	adminGroup := v1.Group("")
	adminGroup.Use(auth.Middleware(s.authMgr), auth.RequireAuth(), auth.RequireAdmin())
	{
		disputeHandler.RegisterAdminRoutes(adminGroup)
		adminHandler := admin.NewHandler().
			WithOrderStore(s.orders.Store()).
			WithSweeper(s.sweeper).
			WithModerator(s.users)
		adminHandler.RegisterRoutes(adminGroup)
	}
}

// userDirectory adapts the user service to key issuance.
type userDirectory struct {
	users *user.Service
}

func (d *userDirectory) Register(ctx context.Context, email, name, role string) (string, string, error) {
	u, err := d.users.Register(ctx, user.RegisterRequest{
		Email: email,
		Name:  name,
		Role:  role,
	})
	if err != nil {
		return "", "", err
	}
	return u.ID, u.Role, nil
}

func (d *userDirectory) Lookup(ctx context.Context, userID string) (string, error) {
	u, err := d.users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.Role, nil
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	res := s.checker.Run(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !res.Healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    res.Checks,
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

	// Start settlement sweeper
	go s.sweeper.Start(runCtx)

	// Export DB pool stats while running
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

	// Cancel the context for background goroutines (sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop settlement sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("settlement sweeper stopped")
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

func generateRequestID() string {
	return idgen.Hex(16)
}
