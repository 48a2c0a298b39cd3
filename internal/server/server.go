// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/checkout"
	"github.com/mbd888/accountmarket/internal/circuitbreaker"
	"github.com/mbd888/accountmarket/internal/config"
	"github.com/mbd888/accountmarket/internal/dispute"
	"github.com/mbd888/accountmarket/internal/health"
	"github.com/mbd888/accountmarket/internal/logging"
	"github.com/mbd888/accountmarket/internal/metrics"
	"github.com/mbd888/accountmarket/internal/orderview"
	"github.com/mbd888/accountmarket/internal/ratelimit"
	"github.com/mbd888/accountmarket/internal/realtime"
	"github.com/mbd888/accountmarket/internal/security"
	"github.com/mbd888/accountmarket/internal/traces"
	"github.com/mbd888/accountmarket/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	remote       api.Remote
	memory       *api.MemoryBackend // nil when a real marketplace API is configured
	breaker      *circuitbreaker.Breaker
	authMgr      *auth.Manager
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	releaseTimer *api.ReleaseTimer
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	version      string
	drainDelay   time.Duration

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

// WithVersion sets the build version reported on traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithRemote replaces the marketplace API (for testing). A *api.MemoryBackend
// also enables the demo routes and the release timer.
func WithRemote(r api.Remote) Option {
	return func(s *Server) {
		s.remote = r
		if m, ok := r.(*api.MemoryBackend); ok {
			s.memory = m
		}
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: nil config")
	}
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		version: "dev",
	}
	if cfg.IsProduction() {
		// Give load balancers time to stop sending traffic
		s.drainDelay = 5 * time.Second
	}

	for _, opt := range opts {
		opt(s)
	}

	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(op string, from, to circuitbreaker.State) {
		s.logger.Warn("marketplace circuit changed", "op", op, "from", from.String(), "to", to.String())
	})

	if s.remote == nil {
		if cfg.UsesMemoryBackend() {
			s.memory = api.NewMemoryBackend(api.WithHoldDuration(cfg.EscrowHoldDuration))
			s.remote = s.memory
		} else {
			s.remote = api.NewClient(api.ClientConfig{
				BaseURL:           cfg.APIURL,
				Timeout:           cfg.APITimeout,
				ReadRetryAttempts: cfg.ReadRetryAttempts,
			}, s.breaker, s.logger)
			s.logger.Info("using marketplace API", "url", cfg.APIURL)
		}
	}
	if s.memory != nil {
		s.releaseTimer = api.NewReleaseTimer(s.memory, 30*time.Second, s.logger)
		s.logger.Info("using in-memory marketplace (data will not persist)")
	}

	s.authMgr = auth.NewManager(cfg.JWTSecret, cfg.SessionTTL)

	s.realtimeHub = realtime.NewHub(s.logger, cfg.AllowedOrigins...)
	if s.releaseTimer != nil {
		s.releaseTimer.OnRelease(func(orderID string) { s.realtimeHub.Notify(orderID) })
	}

	s.health = health.NewRegistry()
	s.health.RegisterAdvisory("marketplace", health.BreakerChecker(s.breaker))
	s.health.RegisterAdvisory("countdown_streams", health.CapacityChecker(s.realtimeHub.OpenStreams, realtime.MaxStreams))
	s.health.Register("server", func(context.Context) health.Status {
		return health.Status{Healthy: s.healthy.Load()}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	// Security headers; the hosted checkout widget script must be allowed to load
	s.router.Use(security.HeadersMiddleware(security.HeaderOptions{
		WidgetOrigins: s.widgetOrigins(),
		HSTS:          s.cfg.IsProduction(),
	}))

	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// One server span per request; API calls become its children
	s.router.Use(traces.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Session; anonymous requests continue and are rejected per route group
	s.router.Use(auth.Middleware(s.authMgr))

	// Rate limiting, keyed by viewer once the session is known
	s.rateLimiter = ratelimit.New(ratelimit.FromRPS(s.cfg.RateLimitRPS))
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) widgetOrigins() []string {
	origins := append([]string(nil), s.cfg.WidgetOrigins...)
	if s.memory != nil {
		origins = append(origins, s.memory.WidgetOrigin())
	}
	return origins
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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

		ctx := c.Request.Context()
		logger := logging.L(ctx)
		if v, ok := auth.GetViewer(c); ok {
			logger = logger.With("viewer", v.ID)
			traces.Annotate(ctx, traces.ViewerID(v.ID))
		}
		if traceID := traces.TraceID(ctx); traceID != "" {
			logger = logger.With("trace_id", traceID)
		}

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
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// V1 API group: every page action belongs to a signed-in viewer
	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireViewer())
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	orchestrator := checkout.NewOrchestrator(s.remote, checkout.Config{
		PriceEpsilon:       s.cfg.PriceEpsilon,
		PublicBaseURL:      s.cfg.PublicBaseURL,
		AllowHTTPRedirects: s.memory != nil && !s.cfg.IsProduction(),
	}, s.logger)
	checkout.NewHandler(orchestrator).RegisterRoutes(v1)

	builder := orderview.NewBuilder(s.cfg.EscrowHoldDuration)
	views := orderview.NewService(s.remote, builder, s.realtimeHub, s.logger)
	watcher := orderview.NewWatcher(s.remote, s.cfg.OrderPollInterval, s.cfg.PollRateLimit, s.logger)
	orderview.NewHandler(views, watcher, s.realtimeHub, s.logger).RegisterRoutes(v1)

	workflow := dispute.NewWorkflow(s.remote, dispute.Config{
		IdentityLinkURL: s.cfg.IdentityLinkURL,
		Notifier:        s.realtimeHub,
	}, s.logger)
	dispute.NewHandler(workflow).RegisterRoutes(v1)

	if s.memory != nil {
		s.registerDemoRoutes(v1)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

// Run serves HTTP and the background loops until ctx is cancelled or a
// shutdown signal arrives, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		ServiceName: "accountmarket",
		Version:     s.version,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		shutdownTraces = nil
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"memoryBackend", s.memory != nil,
		)
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
		metrics.StartRuntimeCollector(gctx, 15*time.Second)
		return nil
	})

	// Demo mode stands in for the marketplace's escrow release job
	if s.releaseTimer != nil {
		g.Go(func() error {
			s.releaseTimer.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(shutdownTraces)
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	return g.Wait()
}

// shutdown gracefully stops the HTTP server and the loops it owns.
func (s *Server) shutdown(shutdownTraces func(context.Context) error) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.httpSrv.Shutdown(ctx)
	if err != nil {
		s.logger.Error("shutdown error", "error", err)
	}

	if s.releaseTimer != nil {
		s.releaseTimer.Stop()
		s.logger.Info("release timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	s.rateLimiter.Stop()

	if shutdownTraces != nil {
		if terr := shutdownTraces(ctx); terr != nil {
			s.logger.Error("trace shutdown error", "error", terr)
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return err
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Auth returns the session manager, used to issue demo tokens.
func (s *Server) Auth() *auth.Manager {
	return s.authMgr
}

// Memory returns the in-memory marketplace, or nil when a real API is used.
func (s *Server) Memory() *api.MemoryBackend {
	return s.memory
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
