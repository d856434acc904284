// Package server wires the escrow service together and exposes it over HTTP.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/mbd888/tradehold/internal/admin"
	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/circuitbreaker"
	"github.com/mbd888/tradehold/internal/config"
	"github.com/mbd888/tradehold/internal/escrow"
	"github.com/mbd888/tradehold/internal/health"
	"github.com/mbd888/tradehold/internal/inventory"
	"github.com/mbd888/tradehold/internal/logging"
	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/notify"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/payments"
	"github.com/mbd888/tradehold/internal/ratelimit"
	"github.com/mbd888/tradehold/internal/realtime"
	"github.com/mbd888/tradehold/internal/reconciliation"
	"github.com/mbd888/tradehold/internal/scheduler"
	"github.com/mbd888/tradehold/internal/security"
	"github.com/mbd888/tradehold/internal/sellers"
	"github.com/mbd888/tradehold/internal/validation"
	"github.com/mbd888/tradehold/internal/webhooks"
	"github.com/mbd888/tradehold/internal/worker"
	"github.com/mbd888/tradehold/migrations"
)

// Version is reported by /health. Set by ldflags in cmd/server.
var Version = "dev"

// devWebhookSecret signs fake-gateway events when no secret is configured.
const devWebhookSecret = "whsec_development"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db        *sql.DB // nil if using in-memory
	orders    orders.Store
	sellers   sellers.Store
	inventory inventory.Store
	gateway   payments.Gateway
	breaker   *circuitbreaker.Breaker

	engine    *escrow.Engine
	processor *webhooks.Processor
	sweeper   *scheduler.Scheduler
	timer     *worker.Periodic
	reconcile *reconciliation.Runner
	reconTick *worker.Periodic
	emitter   *notify.Emitter
	kafka     *notify.KafkaNotifier
	hub       *realtime.Hub
	authMgr   *auth.Manager
	limiter   *ratelimit.Limiter
	limits    *ratelimit.Config
	health    *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

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

// WithGateway replaces the configured payment gateway (for testing).
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithRateLimits overrides the default per-class limits.
func WithRateLimits(cfg ratelimit.Config) Option {
	return func(s *Server) {
		s.limits = &cfg
	}
}

// WithDB uses an already-open database instead of DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initGateway(); err != nil {
		return nil, err
	}
	if err := s.initNotifications(); err != nil {
		return nil, err
	}

	commission, err := cfg.CommissionTable()
	if err != nil {
		return nil, fmt.Errorf("commission table: %w", err)
	}
	s.engine = escrow.NewEngine(s.orders, s.gateway, s.sellers, s.inventory, escrow.Config{
		Commission:    commission,
		ReleaseWindow: cfg.ReleaseWindow,
		DisputeWindow: cfg.DisputeWindow,
		Currency:      cfg.Currency,
	}, s.logger).WithEmitter(s.emitter)
	s.logger.Info("escrow engine ready", "commission", commission.String(),
		"release_window", cfg.ReleaseWindow.String(), "dispute_window", cfg.DisputeWindow.String())

	s.processor = webhooks.NewProcessor(s.gateway, s.orders, s.engine, s.logger)

	s.sweeper = scheduler.New(s.orders, s.engine, s.logger).WithBatchSize(cfg.AutoReleaseBatch)
	if cfg.AutoReleaseInterval > 0 {
		s.timer = worker.NewPeriodic("auto_release", cfg.AutoReleaseInterval, func(ctx context.Context) error {
			_, err := s.sweeper.RunOnce(ctx)
			return err
		}, s.logger).Benign(scheduler.ErrAlreadyRunning)
		s.logger.Info("in-process auto-release enabled", "interval", cfg.AutoReleaseInterval.String())
	}

	s.reconcile = reconciliation.NewRunner(s.orders, s.engine, reconciliation.Config{
		StalePaymentAfter: cfg.StalePaymentAfter,
		Batch:             cfg.AutoReleaseBatch,
	}, s.logger)
	if cfg.ReconcileInterval > 0 {
		s.reconTick = worker.NewPeriodic("reconciliation", cfg.ReconcileInterval, func(ctx context.Context) error {
			_, err := s.reconcile.RunAll(ctx)
			return err
		}, s.logger).Benign(reconciliation.ErrAlreadyRunning)
	}

	if cfg.BootstrapAdminKey != "" {
		if _, err := s.authMgr.Bootstrap(ctx, cfg.BootstrapAdminKey, cfg.BootstrapAdminID); err != nil {
			return nil, fmt.Errorf("bootstrap admin key: %w", err)
		}
		s.logger.Info("bootstrap admin key registered", "user_id", cfg.BootstrapAdminID)
	}

	limits := ratelimit.DefaultConfig()
	if s.limits != nil {
		limits = *s.limits
	}
	s.limiter = ratelimit.New(limits)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.DBChecker(s.db))
		metrics.RegisterDB(s.db, "tradehold")
	}
	s.health.RegisterAdvisory("payments", s.paymentsCheck)
	s.health.RegisterAdvisory("reconciliation", s.reconciliationCheck)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) initStorage(ctx context.Context) error {
	if s.db == nil && s.cfg.DatabaseURL != "" {
		db, err := otelsql.Open("postgres", s.cfg.DatabaseURL,
			otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	}

	if s.db == nil {
		s.orders = orders.NewMemoryStore()
		s.sellers = sellers.NewMemoryStore()
		s.inventory = inventory.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.logger.Warn("using in-memory storage; data is lost on restart")
		return nil
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, s.db); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
		s.logger.Info("database migrations applied")
	}
	s.orders = orders.NewPostgresStore(s.db)
	s.sellers = sellers.NewPostgresStore(s.db)
	s.inventory = inventory.NewPostgresStore(s.db)
	s.authMgr = auth.NewManager(auth.NewPostgresStore(s.db))
	return nil
}

func (s *Server) initGateway() error {
	if s.gateway == nil {
		switch {
		case s.cfg.UseFakeGateway():
			secret := s.cfg.StripeWebhookSecret
			if secret == "" {
				secret = devWebhookSecret
			}
			s.gateway = payments.NewFakeGateway(secret)
			s.logger.Warn("using fake payment gateway; no money moves")
		case s.cfg.StripeSecretKey == "":
			return errors.New("STRIPE_SECRET_KEY is required")
		default:
			s.gateway = payments.NewStripeGateway(s.cfg.StripeSecretKey, s.cfg.StripeWebhookSecret, s.logger)
			s.logger.Info("using Stripe payment gateway")
		}
	}

	s.breaker = circuitbreaker.New(circuitbreaker.Config{Threshold: 5, Cooldown: 30 * time.Second})
	s.breaker.OnTransition(func(t circuitbreaker.Transition) {
		s.logger.Warn("payment circuit changed state",
			"operation", t.Key, "from", t.From.String(), "to", t.To.String(), "failures", t.Failures)
	})
	s.gateway = payments.NewBreakerGateway(s.gateway, s.breaker)
	return nil
}

func (s *Server) initNotifications() error {
	s.hub = realtime.NewHub(s.logger)
	channels := notify.Fanout{notify.NewLogNotifier(s.logger), s.hub}

	if len(s.cfg.KafkaBrokers) > 0 {
		s.kafka = notify.NewKafkaNotifier(s.cfg.KafkaBrokers, s.cfg.KafkaNotifyTopic)
		channels = append(channels, s.kafka)
		s.logger.Info("kafka notifications enabled", "topic", s.cfg.KafkaNotifyTopic)
	}
	if s.cfg.NotifyWebhookURL != "" {
		if s.cfg.IsProduction() {
			if err := security.ValidateNotifyURL(s.cfg.NotifyWebhookURL); err != nil {
				return fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
			}
		}
		channels = append(channels, notify.NewHTTPNotifier(s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret))
		s.logger.Info("webhook notifications enabled")
	}

	s.emitter = notify.NewEmitter(channels, s.logger)
	return nil
}

func (s *Server) paymentsCheck(context.Context) health.Status {
	if open := s.breaker.Open(); len(open) > 0 {
		return health.Status{Detail: strings.Join(open, ",") + " circuit open"}
	}
	return health.Status{Healthy: true}
}

// reconciliationCheck reports the most recent pass; no pass yet is healthy.
func (s *Server) reconciliationCheck(context.Context) health.Status {
	rep := s.reconcile.Last()
	if rep == nil || rep.Healthy {
		return health.Status{Healthy: true}
	}
	return health.Status{Detail: fmt.Sprintf("%d findings at %s", len(rep.Findings), rep.Timestamp.Format(time.RFC3339))}
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

func (s *Server) setupMiddleware() {
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
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLog())
	s.router.Use(security.HeadersMiddleware())
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	}
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler(Version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Processor and cron callers authenticate with their own secrets.
	s.router.POST("/webhooks/payment", s.limiter.Middleware(ratelimit.ClassWebhooks), s.paymentWebhook)
	s.router.POST("/cron/auto-release", s.limiter.Middleware(ratelimit.ClassCron), s.autoRelease)
	s.router.GET("/cron/auto-release", s.cronMethodNotAllowed)

	api := s.router.Group("/")
	api.Use(auth.Middleware(s.authMgr))

	escrowGroup := api.Group("/escrow", auth.RequireAuth())
	escrowGroup.POST("", s.limiter.Middleware(ratelimit.ClassEscrowWrite), s.escrowAction)
	escrowGroup.GET("", s.limiter.Middleware(ratelimit.ClassEscrowRead), s.escrowQuery)

	orderGroup := api.Group("/orders", auth.RequireAuth(), s.limiter.Middleware(ratelimit.ClassOrders))
	orderGroup.POST("", s.checkout)
	orderGroup.GET("", s.listOrders)
	orderItem := orderGroup.Group("/:id", validation.OrderIDParamMiddleware())
	orderItem.GET("", s.getOrder)
	orderItem.POST("/confirm", s.confirmPayment)
	orderItem.POST("/ship", s.shipOrder)
	orderItem.POST("/delivered", s.confirmDelivery)

	admin.NewHandler(s.sellers, s.inventory, s.logger).
		WithReconciler(s.reconcile).
		RegisterRoutes(api.Group("/admin", auth.RequireAdmin()))

	auth.NewHandler(s.authMgr).RegisterRoutes(api)

	api.GET("/ws/escrow", auth.RequireAuth(), s.escrowStream)
	api.GET("/admin/realtime", auth.RequireAdmin(), s.realtimeStats)
}

func (s *Server) realtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
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

func (s *Server) escrowStream(c *gin.Context) {
	actor := auth.ActorFrom(c)
	s.hub.HandleWebSocket(c.Writer, c.Request, realtime.Viewer{UserID: actor.UserID, Admin: actor.IsAdmin()})
}

// Run starts the HTTP server and background workers, and blocks until a
// signal, ctx cancellation or a server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           otelhttp.NewHandler(s.router, "tradehold"),
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

	go s.hub.Run(runCtx)
	if s.timer != nil {
		go s.timer.Start(runCtx)
	}
	if s.reconTick != nil {
		go s.reconTick.Start(runCtx)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.reconTick != nil {
		s.reconTick.Stop()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.emitter.Wait()
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	s.limiter.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Scheduler returns the auto-release sweeper, for the standalone runner.
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.sweeper
}
