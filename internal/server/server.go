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

	"github.com/mbd888/occr/internal/auth"
	"github.com/mbd888/occr/internal/chain"
	"github.com/mbd888/occr/internal/collector"
	"github.com/mbd888/occr/internal/config"
	"github.com/mbd888/occr/internal/health"
	"github.com/mbd888/occr/internal/logging"
	"github.com/mbd888/occr/internal/metrics"
	"github.com/mbd888/occr/internal/occr"
	"github.com/mbd888/occr/internal/prices"
	"github.com/mbd888/occr/internal/ratelimit"
	"github.com/mbd888/occr/internal/realtime"
	"github.com/mbd888/occr/internal/scores"
	"github.com/mbd888/occr/internal/security"
	"github.com/mbd888/occr/internal/snapshot"
	"github.com/mbd888/occr/internal/traces"
	"github.com/mbd888/occr/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// upstreamTimeout bounds a single Pyth request.
const upstreamTimeout = 10 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB            // nil if using in-memory
	redis          *prices.RedisCache // nil if using in-memory
	eth            chain.EthClient    // nil when chain features are off
	scores         *scores.Service
	worker         *scores.Worker // nil when RESCORE_INTERVAL is 0
	realtimeHub    *realtime.Hub
	checks         *health.Registry
	rateLimiter    *ratelimit.Limiter
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration

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

// WithEthClient uses client instead of dialing RPC_URL (for testing).
func WithEthClient(client chain.EthClient) Option {
	return func(s *Server) {
		s.eth = client
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTelEndpoint, "occr", s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Score history (Postgres if DATABASE_URL set, otherwise in-memory)
	var store scores.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		pg := scores.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate score store: %w", err)
		}

		s.db = db
		store = pg
		s.checks.Register("postgres", health.PingChecker("postgres", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = scores.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Price cache (Redis if REDIS_URL set, otherwise in-memory)
	var cache prices.Cache
	if cfg.RedisURL != "" {
		rc, err := prices.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rc
		cache = rc
		s.checks.Register("redis", health.PingChecker("redis", rc.Ping))
		s.logger.Info("using Redis price cache", "url", maskDSN(cfg.RedisURL))
	} else {
		cache = prices.NewMemoryCache()
	}

	feeds := prices.DefaultFeedMap()
	if cfg.FeedsFile != "" {
		feeds, err = prices.LoadFeedMap(cfg.FeedsFile)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to load feeds: %w", err)
		}
	}

	httpClient := &http.Client{Timeout: upstreamTimeout}
	oracle := prices.NewOracle(feeds, prices.NewHermesClient(cfg.HermesURL, httpClient),
		prices.WithCache(cache),
		prices.WithCacheTTL(cfg.PriceCacheTTL),
		prices.WithLogger(s.logger),
	)
	sigmas := prices.NewSigmaEstimator(feeds, prices.NewBenchmarksClient(cfg.BenchmarksURL, httpClient),
		cache, cfg.SigmaLookbackDays, cfg.Defaults.Volatility, s.logger)

	collectorOpts := []collector.Option{
		collector.WithVolatility(sigmas),
		collector.WithLogger(s.logger),
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	serviceOpts := []scores.Option{
		scores.WithBroadcaster(s.realtimeHub),
		scores.WithConfirmation(cfg.PublishConfirmation),
		scores.WithLogger(s.logger),
	}

	// Chain (holdings valuation and the OCCRScorer contract)
	if cfg.ChainEnabled() {
		chainOpts, err := s.setupChain(ctx, oracle)
		if err != nil {
			s.closeStorage()
			return nil, err
		}
		collectorOpts = append(collectorOpts, chainOpts.collector...)
		serviceOpts = append(serviceOpts, chainOpts.service...)
	} else {
		s.logger.Info("chain features disabled (no RPC_URL set)")
	}

	builder := snapshot.NewBuilder(cfg.Defaults)
	engine, err := occr.NewEngine(cfg.Engine)
	if err != nil {
		s.closeStorage()
		return nil, fmt.Errorf("invalid engine parameters: %w", err)
	}

	coll := collector.New(collector.NewFileLedger(cfg.LedgerDir), builder, collectorOpts...)
	s.scores = scores.NewService(store, coll, builder, engine, serviceOpts...)

	if cfg.RescoreInterval > 0 {
		if len(cfg.Watchlist) == 0 {
			s.logger.Warn("RESCORE_INTERVAL set but WATCHLIST is empty; sweeps will rescore stored wallets")
		}
		s.worker = scores.NewWorker(s.scores, cfg.Watchlist, cfg.PublishEnabled(), cfg.RescoreInterval, s.logger)
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

type chainOptions struct {
	collector []collector.Option
	service   []scores.Option
}

func (s *Server) setupChain(ctx context.Context, oracle *prices.Oracle) (*chainOptions, error) {
	cfg := s.cfg
	if s.eth == nil {
		client, err := chain.Dial(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial RPC: %w", err)
		}
		s.eth = client
	}
	if err := chain.VerifyChainID(ctx, s.eth, cfg.ChainID); err != nil {
		return nil, err
	}
	s.checks.Register("rpc", health.PingChecker("rpc", func(ctx context.Context) error {
		_, err := s.eth.ChainID(ctx)
		return err
	}))

	out := &chainOptions{}

	var tokens []chain.Token
	if cfg.TokensFile != "" {
		var err error
		tokens, err = chain.LoadTokens(cfg.TokensFile)
		if err != nil {
			return nil, err
		}
	}
	holdings := chain.NewHoldingsReader(s.eth, tokens, oracle, s.logger)
	out.collector = append(out.collector, collector.WithHoldings(holdings))

	if cfg.ScorerAddress != "" {
		scorer, err := chain.NewScorer(s.eth, chain.ScorerConfig{
			Contract:   cfg.ScorerAddress,
			PrivateKey: cfg.OraclePrivateKey,
			ChainID:    cfg.ChainID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to bind scorer contract: %w", err)
		}
		out.service = append(out.service, scores.WithPublisher(scorer))
		s.logger.Info("scorer contract bound",
			"contract", scorer.Contract(),
			"signer", scorer.Signer(),
			"publish", scorer.CanPublish(),
		)
	}

	s.logger.Info("chain features enabled", "chain_id", cfg.ChainID, "tokens", len(tokens))
	return out, nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rl)
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
			logger.Debug("request completed",
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

	// WebSocket for score events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	scoreHandler := scores.NewHandler(s.scores)
	scoreHandler.RegisterRoutes(v1)
	v1.GET("/stream/stats", s.streamStatsHandler)

	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	scoreHandler.RegisterAdminRoutes(admin)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Chain     bool            `json:"chain"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Chain:     s.scores.ChainEnabled(),
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
	if healthy, checks := s.checks.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) streamStatsHandler(c *gin.Context) {
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

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Refresh with publish waits for a receipt.
		WriteTimeout: s.cfg.PublishConfirmation + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chain", s.scores.ChainEnabled(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.worker != nil {
		go s.worker.Start(runCtx)
		s.logger.Info("rescoring worker started",
			"interval", s.cfg.RescoreInterval,
			"watchlist", len(s.cfg.Watchlist),
			"publish", s.cfg.PublishEnabled(),
		)
	}

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

	// Cancel the context for all background goroutines (hub, worker, stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.worker != nil {
		s.worker.Stop()
		s.logger.Info("rescoring worker stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.closeStorage()

	s.logger.Info("server stopped")
	return nil
}

// closeStorage releases the RPC client, the Redis cache and the database
// pool. Safe to call with any of them unset.
func (s *Server) closeStorage() {
	if s.eth != nil {
		s.eth.Close()
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
