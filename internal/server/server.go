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
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/chat"
	"github.com/mbd888/ecashwallet/internal/config"
	"github.com/mbd888/ecashwallet/internal/federation"
	"github.com/mbd888/ecashwallet/internal/health"
	"github.com/mbd888/ecashwallet/internal/journal"
	"github.com/mbd888/ecashwallet/internal/logging"
	"github.com/mbd888/ecashwallet/internal/metrics"
	"github.com/mbd888/ecashwallet/internal/omni"
	"github.com/mbd888/ecashwallet/internal/operations"
	"github.com/mbd888/ecashwallet/internal/ratelimit"
	"github.com/mbd888/ecashwallet/internal/rates"
	"github.com/mbd888/ecashwallet/internal/realtime"
	"github.com/mbd888/ecashwallet/internal/scheduler"
	"github.com/mbd888/ecashwallet/internal/security"
	"github.com/mbd888/ecashwallet/internal/stabilitypool"
	"github.com/mbd888/ecashwallet/internal/validation"
	"github.com/mbd888/ecashwallet/internal/wallet"
)

const (
	eventBuffer    = 64
	jobTimeout     = 30 * time.Second
	ratesStaleTime = 15 * time.Minute
	dbStatsEvery   = 15 * time.Second

	// writeSlack is added to OPERATION_TIMEOUT for routes that wait on a
	// pool operation.
	writeSlack = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	bridge       *bridge.Client
	federations  *federation.Store
	wallet       *wallet.Service
	rates        *rates.Store
	rateFetcher  *rates.Fetcher
	operations   *operations.Registry
	journal      journal.Store
	pool         *stabilitypool.Service
	omni         *omni.Sessions
	chatSearch   *chat.Searcher
	chatActions  *chat.Actions
	realtimeHub  *realtime.Hub
	scheduler    *scheduler.Scheduler
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	payLimiter   *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	background   sync.WaitGroup
	shutdownOnce sync.Once

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

// WithVersion sets the version reported by /health
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new server instance. It connects to the bridge and loads
// the joined federations before returning.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Journal storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.journal = journal.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL journal", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.journal = journal.NewMemoryStore()
		s.logger.Info("using in-memory journal")
	}

	// Bridge
	s.bridge = bridge.NewClient(bridge.Config{
		URL:          cfg.BridgeURL,
		DialAttempts: cfg.BridgeDialAttempts,
	}, s.logger.With("component", "bridge"))
	if err := s.bridge.Connect(ctx); err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to connect to bridge: %w", err)
	}

	s.federations = federation.NewStore(s.logger)
	if err := s.federations.Sync(ctx, s.bridge); err != nil {
		// Federations also arrive as events; start with an empty list.
		s.logger.Warn("initial federation sync failed", "error", err)
	}

	// Rates and wallet state
	s.rates = rates.NewStore(cfg.DisplayCurrency)
	s.wallet = wallet.NewService(wallet.NewStore(), s.bridge, s.federations, s.logger)
	if cfg.PriceFeedURL != "" {
		s.rateFetcher = rates.NewFetcher(cfg.PriceFeedURL, s.rates, s.logger)
		s.wallet.WithRateFetcher(s.rateFetcher)
	}
	s.federations.OnRemove(func(id string) {
		s.wallet.Store().ResetFederation(id)
		s.logger.Info("federation left, wallet state reset", "federation_id", id)
	})

	// Stability pool
	s.operations = operations.NewRegistry(cfg.OperationTimeout, s.logger)
	s.pool = stabilitypool.NewService(s.federations, s.bridge, s.wallet.Store(), s.rates, s.operations, s.journal, s.logger).
		WithRefresher(s.wallet).
		WithInspector(s.bridge)

	// Omni payments
	resolver := omni.NewResolver(s.logger).WithEndpointChecker(security.NewEndpointValidator())
	s.omni = omni.NewSessions(s.bridge, s.federations, resolver, s.logger).WithTTL(cfg.OmniSessionTTL)

	// Chat payments
	s.chatSearch = chat.NewSearcher(s.bridge)
	s.chatActions = chat.NewActions(s.bridge, chat.NewCapabilities(s.federations), s.logger)

	s.realtimeHub = realtime.NewHub(s.logger).WithSearch(s.chatSearch, cfg.SearchDebounce)

	// Scheduled jobs
	s.scheduler = scheduler.New(jobTimeout, s.logger)
	if err := s.scheduler.Add("refresh", cfg.RefreshSchedule, s.wallet.RefreshActive); err != nil {
		s.closeAll()
		return nil, err
	}
	if s.rateFetcher != nil {
		if err := s.scheduler.Add("rates", cfg.RatesSchedule, s.rateFetcher.Fetch); err != nil {
			s.closeAll()
			return nil, err
		}
	}

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

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	s.health.Register("bridge", func(context.Context) error {
		if !s.bridge.Connected() {
			return errors.New("disconnected")
		}
		return nil
	})
	if s.db != nil {
		s.health.Register("database", s.db.PingContext)
	}
	if s.rateFetcher != nil {
		s.health.RegisterOptional("rates", func(context.Context) error {
			if s.rateFetcher.Unavailable() {
				return errors.New("price feed circuit open")
			}
			fetched := s.rates.Snapshot().FetchedAt
			if fetched.IsZero() {
				return errors.New("no rates fetched yet")
			}
			if age := time.Since(fetched); age > ratesStaleTime {
				return fmt.Errorf("rates are %s old", age.Round(time.Second))
			}
			return nil
		})
	}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, client)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if fed := c.Query("federationId"); fed != "" {
			ctx = logging.WithFederationID(ctx, fed)
		}
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/ws" || path == "/metrics" || strings.HasPrefix(path, "/health"):
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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
	federation.NewHandler(s.federations, s.bridge).RegisterRoutes(v1)
	rates.NewHandler(s.rates).RegisterRoutes(v1)
	chat.NewHandler(s.chatSearch, s.chatActions).RegisterRoutes(v1)
	wallet.NewHandler(s.wallet.Store()).RegisterRoutes(v1)

	// Routes that move funds get a tighter per-client budget
	s.payLimiter = ratelimit.New(ratelimit.PaymentConfig())
	payments := v1.Group("", s.payLimiter.Middleware())
	stabilitypool.NewHandler(s.pool, s.wallet).
		WithWriteDeadline(s.cfg.OperationTimeout + writeSlack).
		RegisterRoutes(payments)
	omni.NewHandler(s.omni).RegisterRoutes(payments)

	s.realtimeHub.RegisterRoutes(s.router)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Realtime  map[string]any  `json:"realtime,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	report := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !report.Healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case report.Degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    report.Checks,
		Realtime:  s.realtimeHub.Stats(),
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
	if !s.ready.Load() || !s.bridge.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers: bridge event consumers, the
// realtime hub and the scheduler. Run calls it; tests may call it directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.consume(runCtx, "operations", s.operations.Run)
	s.consume(runCtx, "federations", s.federations.Run)
	s.consume(runCtx, "realtime", s.realtimeHub.Forward)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.realtimeHub.Run(runCtx)
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsEvery)
	}

	s.scheduler.Start()
	s.ready.Store(true)
}

// consume subscribes fn to the bridge event stream until ctx ends.
func (s *Server) consume(ctx context.Context, name string, fn func(context.Context, <-chan bridge.Event)) {
	events, unsubscribe := s.bridge.Subscribe(eventBuffer)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer unsubscribe()
		fn(ctx, events)
		s.logger.Debug("event consumer stopped", "consumer", name)
	}()
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"bridge", s.cfg.BridgeURL,
			"federations", len(s.federations.List()),
			"jobs", s.scheduler.Len(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. It is safe to call more than once.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.shutdown()
	})
	return err
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.scheduler.Stop(ctx)
	s.logger.Info("scheduler stopped")

	// Stop the hub and event consumers
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.closeAll()
	s.background.Wait()

	s.logger.Info("server stopped")
	return shutdownErr
}

// closeAll releases the bridge, rate limiters and database.
func (s *Server) closeAll() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.payLimiter != nil {
		s.payLimiter.Stop()
	}
	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			s.logger.Error("bridge close error", "error", err)
		}
	}
	s.closeDB()
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
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
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
