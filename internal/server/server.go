// Package server sets up the HTTP server with all routes
package server

import (
	"context"
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
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/booking"
	"github.com/mbd888/bookingescrow/internal/chain"
	"github.com/mbd888/bookingescrow/internal/config"
	"github.com/mbd888/bookingescrow/internal/events"
	"github.com/mbd888/bookingescrow/internal/health"
	"github.com/mbd888/bookingescrow/internal/logging"
	"github.com/mbd888/bookingescrow/internal/metrics"
	"github.com/mbd888/bookingescrow/internal/payment"
	"github.com/mbd888/bookingescrow/internal/ratelimit"
	"github.com/mbd888/bookingescrow/internal/realtime"
	"github.com/mbd888/bookingescrow/internal/review"
	"github.com/mbd888/bookingescrow/internal/storage"
	"github.com/mbd888/bookingescrow/internal/traces"
	"github.com/mbd888/bookingescrow/migrations"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

// reminderLookback is how far back the first reminder run looks for
// thresholds crossed while the process was down.
const reminderLookback = 15 * time.Minute

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sqlx.DB // nil if using in-memory
	logger *slog.Logger
	now    func() time.Time

	tokens       *auth.TokenManager
	bookings     *booking.Service
	payments     *payment.Service
	reviews      *review.Service
	releaseTimer *booking.Timer
	reminder     *booking.Reminder
	autoVerifier *payment.AutoVerifier
	verifier     *chain.EVMVerifier
	broker       *events.AMQPPublisher
	realtimeHub  *realtime.Hub
	uploader     storage.Uploader
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

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

// WithClock overrides the escrow clock (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithUploader sets a custom proof uploader (for testing)
func WithUploader(u storage.Uploader) Option {
	return func(s *Server) {
		s.uploader = u
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

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		bookingStore booking.Store
		paymentStore payment.Store
		reviewStore  review.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sqlx.Open("postgres", cfg.DatabaseURL)
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
		if err := migrations.Up(ctx, db.DB); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		bookingStore = booking.NewPostgresStore(db)
		paymentStore = payment.NewPostgresStore(db)
		reviewStore = review.NewPostgresStore(db)
		s.health.Register("database", health.Ping("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		bookingStore = booking.NewMemoryStore()
		paymentStore = payment.NewMemoryStore()
		reviewStore = review.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	// Event fan-out: realtime parties always, the broker when configured.
	s.realtimeHub = realtime.NewHub(s.logger)
	publishers := events.Fanout{s.realtimeHub}
	if cfg.AMQPURL != "" {
		broker, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, s.logger)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to message broker: %w", err)
		}
		s.broker = broker
		publishers = append(publishers, broker)
		s.logger.Info("publishing booking events", "exchange", cfg.AMQPExchange)
	}

	s.bookings = booking.NewService(bookingStore, s.logger).
		WithPublisher(publishers).
		WithProtectionWindow(cfg.ProtectionWindow).
		WithSweepBatch(cfg.ReleaseSweepBatch)
	s.payments = payment.NewService(paymentStore, s.bookings, s.logger).
		WithPublisher(publishers)
	if s.now != nil {
		s.bookings.WithClock(s.now)
		s.payments.WithClock(s.now)
	}
	s.reviews = review.NewService(reviewStore, s.bookings, s.logger)

	s.releaseTimer = booking.NewTimer(s.bookings, cfg.ReleaseSweepInterval, s.logger)
	s.reminder = booking.NewReminder(s.bookings, cfg.ReminderSchedule, reminderLookback, s.logger)
	s.health.Register("release_timer", func(context.Context) health.Status {
		// The timer only runs once Run has started.
		return health.Status{Name: "release_timer", Healthy: !s.ready.Load() || s.releaseTimer.Running()}
	})

	if len(cfg.Networks) > 0 {
		verifier, err := chain.DialEVM(ctx, cfg.Networks, cfg.PlatformAddress, s.logger)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to chain rpc: %w", err)
		}
		s.verifier = verifier
		s.autoVerifier = payment.NewAutoVerifier(s.payments, verifier, cfg.ChainVerifyInterval, s.logger).
			WithPendingTimeout(cfg.ChainPendingTimeout)
		s.logger.Info("on-chain payment verification enabled", "networks", len(cfg.Networks))
	}

	if s.uploader == nil && cfg.S3Bucket != "" {
		uploader, err := storage.NewS3(ctx, storage.Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			PublicBaseURL: cfg.S3PublicBaseURL,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
		})
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to configure object storage: %w", err)
		}
		s.uploader = uploader
		s.logger.Info("proof file uploads enabled", "bucket", cfg.S3Bucket)
	}

	s.tokens = auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL)
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: int64(cfg.RateLimitPerMinute)})

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
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", s.websocketHandler)

	bookingHandler := booking.NewHandler(s.bookings)
	paymentHandler := payment.NewHandler(s.payments)
	reviewHandler := review.NewHandler(s.reviews)
	uploadHandler := storage.NewHandler(s.uploader, s.bookings)

	public := s.router.Group("/v1")
	reviewHandler.RegisterPublicRoutes(public)

	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireAuth())
	bookingHandler.RegisterRoutes(v1)
	paymentHandler.RegisterRoutes(v1)
	reviewHandler.RegisterRoutes(v1)
	uploadHandler.RegisterRoutes(v1)

	admin := s.router.Group("/v1/admin")
	admin.Use(auth.RequireAdmin())
	bookingHandler.RegisterAdminRoutes(admin)
	paymentHandler.RegisterAdminRoutes(admin)
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
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
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

// websocketHandler upgrades authenticated parties to the realtime feed.
// Browsers cannot set headers on upgrade, so ?token= is also accepted.
func (s *Server) websocketHandler(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		if raw := c.Query("token"); raw != "" {
			if a, err := s.tokens.Parse(raw); err == nil {
				actor, ok = a, true
			}
		}
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Bearer token or ?token= required.",
		})
		return
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, actor)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second, // proof uploads up to 10 MB
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.releaseTimer.Start(runCtx)

	if err := s.reminder.Start(runCtx); err != nil {
		s.logger.Error("failed to start release reminders", "error", err)
	}
	if s.autoVerifier != nil {
		s.autoVerifier.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db.DB, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.releaseTimer.Stop()
	select {
	case <-s.reminder.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("release reminder did not finish before shutdown deadline")
	}
	if s.autoVerifier != nil {
		s.autoVerifier.Stop()
	}
	s.logger.Info("background workers stopped")

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}
	s.close()

	s.logger.Info("server stopped")
	return nil
}

// close releases external connections. Safe on a partially built server.
func (s *Server) close() {
	if s.verifier != nil {
		s.verifier.Close()
	}
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Error("broker close error", "error", err)
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

// Bookings returns the booking service (for the sweep CLI and tests).
func (s *Server) Bookings() *booking.Service {
	return s.bookings
}
