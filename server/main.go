package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/bcherng/fim-server/pkg/attest"
	"github.com/bcherng/fim-server/pkg/config"
	"github.com/bcherng/fim-server/pkg/health"
	"github.com/bcherng/fim-server/pkg/liveness"
	"github.com/bcherng/fim-server/pkg/notify"
	"github.com/bcherng/fim-server/pkg/store"
	"github.com/bcherng/fim-server/pkg/telemetry"
)

var (
	configPath = flag.String("config", "/etc/fim/server.yaml", "Config file path")
	Version    = "dev"
)

// Server wires the protocol core to the HTTP surface.
type Server struct {
	cfg       *config.ServerConfig
	store     store.Store
	handshake *attest.Handshake
	tracker   *liveness.Tracker
	sink      notify.Sink
	limiter   *RateLimiter
	logger    zerolog.Logger
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		lg := zerolog.New(os.Stderr)
		lg.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		lg := zerolog.New(os.Stderr)
		lg.Fatal().Err(err).Msg("Invalid config")
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("FIM server starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Setup(ctx, "fim-server", Version, telemetry.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		LogSpans:    cfg.Tracing.LogSpans,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer provider.Shutdown(context.Background())

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	if err := seedAdmin(ctx, db, cfg.Auth); err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed admin account")
	}

	srv := newServer(cfg, db, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), withRequestContext(logger))
	srv.registerRoutes(router)

	go srv.tracker.Run(ctx,
		time.Duration(cfg.Heartbeat.WatchdogMinutes)*time.Minute,
		time.Duration(cfg.Heartbeat.ReconcileHours)*time.Hour,
	)

	httpServer := &http.Server{Addr: cfg.Listen, Handler: router}
	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("Listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
	}
}

func newServer(cfg *config.ServerConfig, db store.Store, logger zerolog.Logger) *Server {
	var sink notify.Sink
	if cfg.Notifications.WebhookURL != "" {
		sink = notify.NewWebhookSink(
			cfg.Notifications.WebhookURL,
			time.Duration(cfg.Notifications.TimeoutS)*time.Second,
			cfg.Notifications.MaxRetries,
			logger,
		)
	} else {
		sink = notify.LogSink{Logger: logger.With().Str("component", "notify").Logger()}
	}

	locks := store.NewKeyedMutex()
	params := liveness.Params{
		Period:       cfg.HeartbeatPeriod(),
		SuspectAfter: cfg.Heartbeat.SuspectAfter,
		DownAfter:    cfg.Heartbeat.DownAfter,
		GapTolerance: time.Duration(cfg.Heartbeat.GapToleranceMinutes) * time.Minute,
		Retention:    time.Duration(cfg.Heartbeat.RetentionDays) * 24 * time.Hour,
	}

	return &Server{
		cfg:       cfg,
		store:     db,
		handshake: attest.NewHandshake(db, locks, sink, logger),
		tracker:   liveness.NewTracker(db, locks, sink, params, logger),
		sink:      sink,
		limiter:   NewRateLimiter(),
		logger:    logger,
	}
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/api/health", func(c *gin.Context) {
		status := health.Check(c.Request.Context(), s.store)
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":       status,
			"version":      Version,
			"rate_limiter": s.limiter.Stats(),
		})
	})

	clients := r.Group("/api/clients")
	clients.POST("/register", s.handleRegister)
	clients.POST("/reregister", s.handleReregister)
	clients.POST("/uninstall", s.handleUninstall)
	clients.POST("/verify", s.requireDaemon, s.handleVerify)
	clients.POST("/heartbeat", s.requireDaemon, s.handleHeartbeat)
	clients.POST("/baseline", s.requireDaemon, s.handleBaseline)
	clients.GET("", s.requireAdmin, s.handleListClients)
	clients.GET("/:id", s.requireAdmin, s.handleClientDetails)
	clients.DELETE("/:id", s.requireAdmin, s.handleDeregister)
	clients.POST("/:id/review", s.requireAdmin, s.handleReviewClient)
	clients.GET("/:id/uptime", s.requireAdmin, s.handleUptimeHistory)

	events := r.Group("/api/events")
	events.POST("/report", s.requireDaemon, s.handleReportEvent)
	events.POST("/acknowledge", s.requireDaemon, s.handleAcknowledgeEvent)
	events.GET("/:id", s.requireAdmin, s.handleListEvents)
	events.POST("/:id/review", s.requireAdmin, s.handleReviewEvent)
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.HumanReadable && !cfg.JSON {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// seedAdmin makes sure the configured operator account exists. Reregistration
// after an admin deregisters a machine requires these credentials; possession
// of the old daemon token is deliberately not enough.
func seedAdmin(ctx context.Context, db store.Store, cfg config.AuthConfig) error {
	if cfg.AdminPassword == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return db.UpsertAdmin(ctx, cfg.AdminUsername, string(hash))
}
