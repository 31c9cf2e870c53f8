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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/clicense/internal/auth"
	"github.com/mbd888/clicense/internal/chat"
	"github.com/mbd888/clicense/internal/circuitbreaker"
	"github.com/mbd888/clicense/internal/classify"
	"github.com/mbd888/clicense/internal/completion"
	"github.com/mbd888/clicense/internal/config"
	"github.com/mbd888/clicense/internal/health"
	"github.com/mbd888/clicense/internal/history"
	"github.com/mbd888/clicense/internal/idgen"
	"github.com/mbd888/clicense/internal/logging"
	"github.com/mbd888/clicense/internal/metrics"
	"github.com/mbd888/clicense/internal/pipeline"
	"github.com/mbd888/clicense/internal/quota"
	"github.com/mbd888/clicense/internal/ratelimit"
	"github.com/mbd888/clicense/internal/realtime"
	"github.com/mbd888/clicense/internal/retriever"
	"github.com/mbd888/clicense/internal/retry"
	"github.com/mbd888/clicense/internal/security"
	"github.com/mbd888/clicense/internal/subscription"
	"github.com/mbd888/clicense/internal/validation"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second

	startupPingAttempts = 6
	startupPingDelay    = 500 * time.Millisecond
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	authMgr     *auth.Manager
	subs        subscription.Store
	ledger      *quota.Ledger
	history     history.Store
	pipeline    *pipeline.Pipeline
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil unless REDIS_URL is set
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	// Injected for tests; built from cfg otherwise.
	fetcher    retriever.Fetcher
	completer  completion.Completer
	quotaOpts  []quota.Option
	extractCB  *circuitbreaker.Breaker
	completeCB *circuitbreaker.Breaker

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

// WithFetcher replaces the content extraction client (for testing)
func WithFetcher(f retriever.Fetcher) Option {
	return func(s *Server) {
		s.fetcher = f
	}
}

// WithCompleter replaces the completion client (for testing)
func WithCompleter(c completion.Completer) Option {
	return func(s *Server) {
		s.completer = c
	}
}

// WithQuotaOptions passes extra options to the quota ledger (for testing)
func WithQuotaOptions(opts ...quota.Option) Option {
	return func(s *Server) {
		s.quotaOpts = append(s.quotaOpts, opts...)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var quotaStore quota.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := retry.WaitFor(ctx, s.logger, "postgres", startupPingAttempts, startupPingDelay, db.PingContext); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)

		subStore := subscription.NewPostgresStore(db)
		if err := subStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate subscription store", "error", err)
		}
		s.subs = subStore

		pgQuota := quota.NewPostgresStore(db)
		if err := pgQuota.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate quota store", "error", err)
		}
		quotaStore = pgQuota

		historyStore := history.NewPostgresStore(db)
		if err := historyStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate history store", "error", err)
		}
		s.history = historyStore

		s.health.Register("database", health.Database(db))
	} else {
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.subs = subscription.NewMemoryStore()
		quotaStore = quota.NewMemoryStore()
		s.history = history.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Redis takes over the quota ledger when configured, so several
	// instances share one set of counters.
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		if err := retry.WaitFor(ctx, s.logger, "redis", startupPingAttempts, startupPingDelay, ping); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		quotaStore = quota.NewRedisStore(client)
		s.health.Register("redis", health.Redis(client))
		s.logger.Info("quota ledger using redis", "addr", redisOpts.Addr)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	ledgerOpts := append([]quota.Option{quota.WithPolicy(quota.Policy{
		ResetHour:     cfg.QuotaResetHour,
		Location:      loc,
		AnonFreeTurns: cfg.AnonFreeTurns,
		SignupCredits: cfg.SignupCredits,
	})}, s.quotaOpts...)
	s.ledger = quota.NewLedger(quotaStore, s.subs, ledgerOpts...)

	// Upstream clients, each behind its own circuit breaker
	s.extractCB = s.newBreaker()
	s.completeCB = s.newBreaker()
	if s.fetcher == nil {
		s.fetcher = retriever.NewClient(retriever.Config{
			BaseURL:  cfg.ExtractorURL,
			APIKey:   cfg.ExtractorAPIKey,
			MaxChars: cfg.MaxContentChars,
			Timeout:  cfg.ExtractorTimeout,
		}, retriever.WithBreaker(s.extractCB))
	}
	if s.completer == nil {
		s.completer = completion.NewClient(completion.Config{
			BaseURL: cfg.CompletionURL,
			APIKey:  cfg.CompletionAPIKey,
			Model:   cfg.CompletionModel,
			Timeout: cfg.CompletionTimeout,
		}, completion.WithBreaker(s.completeCB))
	}
	s.health.Register("extractor", health.Breaker("extractor", s.extractCB, "extractor"))
	s.health.Register("completion", health.Breaker("completion", s.completeCB, "completion"))

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	s.pipeline = pipeline.New(
		s.fetcher,
		classify.NewEngine(s.completer),
		chat.NewHandler(s.completer),
		s.ledger,
		pipeline.WithNotifier(s.realtimeHub),
	)

	if cfg.AdminSecret == "" {
		s.logger.Info("admin endpoints disabled (no ADMIN_SECRET set)")
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

func (s *Server) newBreaker() *circuitbreaker.Breaker {
	b := circuitbreaker.New(breakerThreshold, breakerOpenFor)
	b.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("upstream circuit changed", "upstream", key, "from", from.String(), "to", to.String())
	})
	return b
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request ID and logging first, so rejected requests are logged too
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(10, s.cfg.RateLimitRPM/6),
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	me := v1.Group("")
	me.Use(auth.RequireAccount())
	auth.NewHandler(s.authMgr).RegisterRoutes(v1, me)

	// Pipeline
	v1.POST("/scan", s.scanHandler)
	v1.POST("/chat", s.chatHandler)
	v1.GET("/quota", s.quotaHandler)
	me.POST("/plan/upgrade", s.upgradeHandler)

	// History
	me.GET("/history", s.listHistoryHandler)
	me.DELETE("/history", s.clearHistoryHandler)
	me.DELETE("/history/:id", s.removeHistoryHandler)

	// WebSocket stream of the caller's own events
	v1.GET("/events", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, auth.GetIdentity(c).ID)
	})

	// Billing integration
	admin := s.router.Group("/v1/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	admin.POST("/subscriptions", s.upsertSubscriptionHandler)
	admin.GET("/realtime", s.realtimeStatsHandler)
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
		// Scans wait on two upstream calls.
		WriteTimeout: s.cfg.ExtractorTimeout + s.cfg.CompletionTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

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
	defer signal.Stop(sigChan)

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

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.Close()
	s.logger.Info("server stopped")
	return nil
}

// Close releases the rate limiter and storage connections.
func (s *Server) Close() {
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
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
