// Package server wires the purchase backend together and runs it.
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
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/givecircle/coinescrow/internal/auth"
	"github.com/givecircle/coinescrow/internal/circuitbreaker"
	"github.com/givecircle/coinescrow/internal/config"
	"github.com/givecircle/coinescrow/internal/cryptorail"
	"github.com/givecircle/coinescrow/internal/escrow"
	"github.com/givecircle/coinescrow/internal/gateway"
	"github.com/givecircle/coinescrow/internal/health"
	"github.com/givecircle/coinescrow/internal/idempotency"
	"github.com/givecircle/coinescrow/internal/ledger"
	"github.com/givecircle/coinescrow/internal/logging"
	"github.com/givecircle/coinescrow/internal/metrics"
	"github.com/givecircle/coinescrow/internal/ratelimit"
	"github.com/givecircle/coinescrow/internal/realtime"
	"github.com/givecircle/coinescrow/internal/reconciliation"
	"github.com/givecircle/coinescrow/internal/security"
	"github.com/givecircle/coinescrow/internal/validation"
	"github.com/givecircle/coinescrow/internal/webhooks"
	"github.com/givecircle/coinescrow/migrations"
)

// Version is reported by /health. Set by cmd/server from ldflags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil when memory stores were injected
	redis       *redis.Client
	ledger      gateway.Ledger
	escrowStore escrow.Store
	engine      *escrow.Service
	expiryTimer *escrow.Timer
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer // nil when RECONCILE_INTERVAL is 0
	gateway     *gateway.Service
	idem        idempotency.Store
	authMgr     *auth.Manager
	realtimeHub *realtime.Hub
	webhooks    *webhooks.Dispatcher // nil when WEBHOOK_URL is unset
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

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

// WithMemoryStores replaces Postgres and Redis with in-process stores (for testing)
func WithMemoryStores() Option {
	return func(s *Server) {
		l := ledger.NewMemoryStore()
		s.ledger = l
		s.escrowStore = escrow.NewMemoryStore(l)
		s.idem = idempotency.NewMemoryStore()
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}
	ctx := context.Background()

	if s.escrowStore == nil {
		if err := s.openPostgres(ctx); err != nil {
			return nil, err
		}
	}
	if s.idem == nil {
		if err := s.openIdempotency(ctx); err != nil {
			return nil, err
		}
	}

	network := cryptorail.Mainnet
	if cfg.CryptoNetwork == "testnet" {
		network = cryptorail.Testnet
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	publishers := escrow.Publishers{s.realtimeHub}
	if cfg.WebhookURL != "" {
		s.webhooks = webhooks.NewDispatcher(webhooks.Config{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret}, s.logger)
		publishers = append(publishers, s.webhooks)
		s.logger.Info("purchase webhooks enabled", "url", cfg.WebhookURL)
	}

	s.engine = escrow.NewService(s.escrowStore, escrow.Config{
		TTL:            cfg.EscrowTTL,
		CommissionRate: cfg.CommissionRate,
		UnitPrice:      cfg.CoinUnitPrice,
		Currency:       cfg.FiatCurrency,
		LockWait:       cfg.LockWaitTimeout,
	}).
		WithCryptoRails(cryptorail.NewValidator(network)).
		WithPublisher(publishers)
	s.expiryTimer = escrow.NewTimer(s.engine, s.escrowStore, s.logger).
		WithInterval(cfg.ExpiryInterval).
		WithBatchSize(cfg.ExpiryBatchSize)
	s.logger.Info("escrow engine configured",
		"ttl", cfg.EscrowTTL.String(),
		"commissionRate", cfg.CommissionRate.String(),
		"unitPrice", cfg.CoinUnitPrice.String(),
		"currency", cfg.FiatCurrency,
		"cryptoNetwork", cfg.CryptoNetwork,
	)

	s.reconciler = reconciliation.NewRunner(s.escrowStore, s.ledger, s.logger)
	if cfg.ReconcileInterval > 0 {
		s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	}

	s.gateway = gateway.NewService(s.engine, s.ledger, s.idem, gateway.Config{
		RetryAttempts:  cfg.LedgerRetryAttempts,
		RetryBaseDelay: cfg.LedgerRetryBaseDelay,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, s.logger)
	s.authMgr = auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer)

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openPostgres(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	if s.cfg.AutoMigrate {
		version, err := migrations.Up(ctx, db)
		if err != nil {
			_ = db.Close()
			return err
		}
		s.logger.Info("database migrated", "version", version)
	}

	l := ledger.NewPostgresStore(db)
	s.db = db
	s.ledger = l
	s.escrowStore = escrow.NewPostgresStore(db, l)
	return nil
}

func (s *Server) openIdempotency(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		s.idem = idempotency.NewMemoryStore()
		s.logger.Warn("REDIS_URL not set, idempotency keys are kept in process memory")
		return nil
	}
	client, err := idempotency.NewRedisClient(s.cfg.RedisURL)
	if err != nil {
		return err
	}
	store := idempotency.NewRedisStore(client)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		// Redis outages degrade Idempotency-Key handling, not purchases.
		s.logger.Warn("redis not reachable at startup", "error", err)
	}
	s.redis = client
	s.idem = store
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(3 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	s.health.Register("expiry_scheduler", health.Flag("expiry_scheduler", s.expiryTimer.Running, "expiry loop not running"))
	s.health.Register("realtime", health.Flag("realtime", s.realtimeHub.Running, "hub not running"))
	if s.webhooks != nil {
		s.health.Register("webhooks", health.Flag("webhooks", s.webhooks.Running, "webhook workers not running"))
	}
	s.health.Register("ledger_breaker", health.Flag("ledger_breaker", func() bool {
		return s.gateway.Breaker().State() != circuitbreaker.StateOpen
	}, "ledger circuit breaker open"))
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Request ID and logger must be in context before auth annotates it.
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(auth.Middleware(s.authMgr))

	// Rate limiting keys on the authenticated caller when there is one.
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
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
				"errors", c.Errors.String(),
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

	// WebSocket for purchase status streaming
	s.router.GET("/ws", s.websocketHandler)

	v1 := s.router.Group("/v1")
	h := gateway.NewHandler(s.gateway)
	h.RegisterRoutes(v1.Group(""))
	h.RegisterAdminRoutes(v1.Group(""))

	admin := v1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/reconciliation", s.reconcileHandler)
}

// reconcileHandler runs a reconciliation pass on demand.
func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.reconciler.RunAll(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// websocketHandler accepts the token in the Authorization header or, for
// browsers that cannot set headers on upgrade, the access_token query value.
func (s *Server) websocketHandler(c *gin.Context) {
	caller, ok := auth.GetPrincipal(c)
	if !ok {
		if raw := c.Query("access_token"); raw != "" {
			p, err := s.authMgr.Verify(raw)
			if err == nil {
				caller, ok = p, true
			}
		}
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Bearer token required.",
		})
		return
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, caller)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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

// Run serves HTTP and runs the expiry scheduler and realtime hub until ctx
// is cancelled or one of them fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.expiryTimer.Start(gctx)
		return nil
	})
	if s.webhooks != nil {
		g.Go(func() error {
			s.webhooks.Run(gctx)
			return nil
		})
	}
	if s.reconTimer != nil {
		g.Go(func() error {
			s.reconTimer.Start(gctx)
			return nil
		})
	}
	if s.db != nil {
		g.Go(func() error {
			return metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})
	return g.Wait()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	s.expiryTimer.Stop()
	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}

	var errs []error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the escrow engine, for tests and tooling.
func (s *Server) Engine() *escrow.Service {
	return s.engine
}

// Ledger returns the ledger backend.
func (s *Server) Ledger() gateway.Ledger {
	return s.ledger
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
