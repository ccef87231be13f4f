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

	"github.com/mbd888/bbca/internal/behavior"
	"github.com/mbd888/bbca/internal/config"
	"github.com/mbd888/bbca/internal/engine"
	"github.com/mbd888/bbca/internal/events"
	"github.com/mbd888/bbca/internal/health"
	"github.com/mbd888/bbca/internal/logging"
	"github.com/mbd888/bbca/internal/metrics"
	"github.com/mbd888/bbca/internal/model"
	"github.com/mbd888/bbca/internal/ratelimit"
	"github.com/mbd888/bbca/internal/realtime"
	"github.com/mbd888/bbca/internal/remote"
	"github.com/mbd888/bbca/internal/risk"
	"github.com/mbd888/bbca/internal/security"
	"github.com/mbd888/bbca/internal/settings"
	"github.com/mbd888/bbca/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *engine.Engine
	settings     *settings.Settings
	realtimeHub  *realtime.Hub
	push         *remote.PushListener
	healthReg    *health.Registry
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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		models        model.Store
		eventStore    events.Store
		settingsStore settings.Store
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

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db

		modelStore := model.NewPostgresStore(db)
		if err := modelStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate model store", "error", err)
		}
		models = modelStore

		evStore := events.NewPostgresStore(db)
		if err := evStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate event store", "error", err)
		}
		eventStore = evStore

		cfgStore := settings.NewPostgresStore(db)
		if err := cfgStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate settings store", "error", err)
		}
		settingsStore = cfgStore

		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		models = model.NewMemoryStore()
		eventStore = events.NewMemoryStore()
		settingsStore = settings.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	st, err := settings.New(ctx, settingsStore, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	s.settings = st

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Engine options, with the backend analysis client when configured
	engOpts := []engine.Option{engine.WithLogger(s.logger)}
	if cfg.BackendURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.BackendURL); err != nil {
				return nil, fmt.Errorf("BACKEND_URL rejected: %w", err)
			}
		}
		// The remote client falls back to an on-device scorer that
		// shares the model store with the engine.
		localScorer := risk.New(models, risk.WithLogger(s.logger))
		localScore := func(ctx context.Context, userID string, sample *behavior.Sample) (*risk.Assessment, error) {
			c := st.Current()
			return localScorer.Score(ctx, userID, sample, risk.Thresholds{
				Anomaly: c.AnomalyThreshold,
				ReAuth:  c.ReAuthThreshold,
			})
		}
		rc := remote.New(cfg.BackendURL, localScore, remote.WithLogger(s.logger))
		engOpts = append(engOpts, engine.WithRemote(rc))
		s.logger.Info("backend analysis enabled", "url", cfg.BackendURL)
	}

	s.engine = engine.New(models, eventStore, st, s.realtimeHub, engOpts...)

	// Push channel for backend-initiated security alerts
	if cfg.BackendWSURL != "" {
		s.push = remote.NewPushListener(cfg.BackendWSURL, func(a *risk.Assessment) {
			s.engine.Publish(context.Background(), a)
		}, s.logger)
		s.logger.Info("backend push channel enabled", "url", cfg.BackendWSURL)
	}

	// Health checkers
	s.healthReg = health.NewRegistry()
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
	}
	s.healthReg.Register("hub", func(ctx context.Context) health.Status {
		return health.Status{Name: "hub", Healthy: true}
	})

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
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

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :userId URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.UserIDParamMiddleware())

	// Scoring
	v1.POST("/analyze", s.analyzeHandler)
	v1.POST("/train", s.trainHandler)
	v1.GET("/risk/:userId", s.riskHandler)

	// Security event log
	v1.GET("/security-events/:userId", s.securityEventsHandler)

	// Monitoring configuration (hot-reloadable)
	v1.GET("/config", s.getConfigHandler)
	v1.PUT("/config", s.updateConfigHandler)
	v1.POST("/config", s.updateConfigHandler)

	// Session lifecycle
	v1.POST("/sessions/login", s.loginHandler)
	v1.POST("/sessions/logout", s.logoutHandler)
	v1.POST("/sessions/reauth", s.reauthHandler)
	v1.POST("/sessions/dismiss", s.dismissHandler)
	v1.POST("/sessions/touch", s.touchHandler)
	v1.GET("/sessions/:userId", s.sessionStateHandler)

	// GDPR data surface
	v1.GET("/users/:userId/export", s.exportUserHandler)
	v1.DELETE("/users/:userId", s.deleteUserHandler)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
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

	// Start backend push listener
	if s.push != nil {
		go s.push.Run(runCtx)
	}

	// Periodic DB stats collection
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// One-shot config pull from the backend (no-op in privacy mode)
	go func() {
		ctx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		defer cancel()
		if err := s.engine.SyncConfig(ctx); err != nil {
			s.logger.Warn("initial config sync failed, keeping local config", "error", err)
		}
	}()

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

	// Cancel the context for all background goroutines (hub, push listener)
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

	// Stop all monitoring sessions
	s.engine.Shutdown()
	s.logger.Info("monitoring stopped")

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
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
