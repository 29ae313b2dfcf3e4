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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/harborline/paycore/internal/config"
	"github.com/harborline/paycore/internal/events"
	"github.com/harborline/paycore/internal/health"
	"github.com/harborline/paycore/internal/idempotency"
	"github.com/harborline/paycore/internal/logging"
	"github.com/harborline/paycore/internal/metrics"
	"github.com/harborline/paycore/internal/orders"
	"github.com/harborline/paycore/internal/providers"
	"github.com/harborline/paycore/internal/ratelimit"
	"github.com/harborline/paycore/internal/reconcile"
	"github.com/harborline/paycore/internal/signature"
	"github.com/harborline/paycore/internal/slo"
	"github.com/harborline/paycore/internal/transfer"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	orders         orders.Store
	eventStore     events.Store
	ledger         *events.Ledger
	locks          *idempotency.Service
	transfers      *transfer.Service
	reconciler     *reconcile.Engine
	sloEngine      *slo.Engine
	runtime        *slo.RuntimeCounters
	healthReg      *health.Registry
	transferClient providers.TransferClient
	cardClient     providers.CardClient

	cardVerifier *signature.Verifier
	wiseVerifier *signature.Verifier
	jobVerifier  *signature.Verifier
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTransferClient sets a custom transfer-provider client (for testing)
func WithTransferClient(client providers.TransferClient) Option {
	return func(s *Server) {
		s.transferClient = client
	}
}

// WithCardClient sets a custom card-processor client (for testing)
func WithCardClient(client providers.CardClient) Option {
	return func(s *Server) {
		s.cardClient = client
	}
}

// WithEventStore sets a custom event store (for testing)
func WithEventStore(store events.Store) Option {
	return func(s *Server) {
		s.eventStore = store
	}
}

// WithOrderStore sets a custom order-ledger boundary (for testing, or for
// deployments where the order service is reachable in-process)
func WithOrderStore(store orders.Store) Option {
	return func(s *Server) {
		s.orders = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set stores/clients/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		lockStore   idempotency.Store
		eventStore  events.Store
		intentStore transfer.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		lockStore = idempotency.NewPostgresStore(db)
		eventStore = events.NewPostgresStore(db)
		intentStore = transfer.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		lockStore = idempotency.NewMemoryStore()
		eventStore = events.NewMemoryStore()
		intentStore = transfer.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.orders == nil {
		s.orders = orders.NewMemoryStore()
	}
	if s.eventStore == nil {
		s.eventStore = eventStore
	}

	s.locks = idempotency.NewService(lockStore, nil)
	s.ledger = events.NewLedger(s.eventStore, nil)
	s.runtime = slo.NewRuntimeCounters(int(cfg.CounterBufferCap), nil)

	if s.transferClient == nil {
		s.transferClient = providers.NewWiseClient(cfg.WiseAPIURL, cfg.WiseAPIToken)
	}
	if s.cardClient == nil && cfg.StripeAPIKey != "" {
		s.cardClient = providers.NewStripeClient(cfg.StripeAPIKey)
	}
	s.transfers = transfer.NewService(intentStore, s.ledger, s.locks, s.transferClient, nil).
		WithRecorder(s.runtime)

	s.reconciler = reconcile.NewEngine(s.orders, s.ledger, intentStore, nil)

	targets, err := slo.LoadTargets(cfg.SLOTargetsPath)
	if err != nil {
		// Missing or broken targets degrade SLO evaluation to UNKNOWN; the
		// snapshot pipeline itself stays up.
		s.logger.Warn("slo targets unavailable", "path", cfg.SLOTargetsPath, "error", err)
	}
	s.sloEngine = slo.NewEngine(s.locks, s.ledger, s.transfers, s.runtime, s.reconciler, targets, nil)

	s.cardVerifier = &signature.Verifier{Secret: cfg.StripeWebhookSecret, Tolerance: cfg.SignatureTolerance()}
	s.wiseVerifier = &signature.Verifier{Secret: cfg.WiseWebhookSecret, Tolerance: cfg.SignatureTolerance()}
	s.jobVerifier = &signature.Verifier{Secret: cfg.JobSigningSecret, Tolerance: cfg.SignatureTolerance()}

	s.healthReg = health.NewRegistry()
	s.registerHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.healthReg.Register("store", func(ctx context.Context) health.Status {
			return health.Status{Name: "store", Healthy: true, Detail: "in-memory"}
		})
	}

	s.healthReg.Register("slo_targets", func(ctx context.Context) health.Status {
		n := len(s.sloEngine.CurrentTargets())
		if n == 0 {
			return health.Status{Name: "slo_targets", Healthy: false, Detail: "no targets loaded"}
		}
		return health.Status{Name: "slo_targets", Healthy: true, Detail: fmt.Sprintf("%d targets", n)}
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

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   5 * time.Minute,
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
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
	s.router.GET("/healthz", s.healthzHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Provider webhooks: raw body, signature-gated, always 200 once the
	// event row exists.
	s.router.POST("/webhooks/stripe", s.stripeWebhookHandler)
	s.router.POST("/webhooks/wise", s.wiseWebhookHandler)

	// Internal jobs: HMAC header pair signed by the operator CLI or scheduler.
	s.router.POST("/jobs/reconcile", s.reconcileJobHandler)
	s.router.POST("/jobs/metrics", s.metricsJobHandler)
	s.router.POST("/jobs/release", s.releaseJobHandler)

	v1 := s.router.Group("/v1")
	v1.GET("/intents/:id", s.getIntentHandler)
	v1.GET("/orders/:id/events", s.listOrderEventsHandler)
}

func (s *Server) healthzHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":    overall,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Hot-reload SLO targets when the definitions file changes
	if s.cfg.SLOWatchTargets {
		go func() {
			err := slo.WatchTargets(runCtx, s.cfg.SLOTargetsPath, func(targets []slo.Target) {
				s.sloEngine.SetTargets(targets)
				s.logger.Info("slo targets reloaded", "count", len(targets))
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("slo target watcher stopped", "error", err)
			}
		}()
	}

	// Export DB pool gauges
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

	// Cancel the context for all background goroutines (watcher, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
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

// Transfers exposes the transfer service for testing.
func (s *Server) Transfers() *transfer.Service {
	return s.transfers
}
