package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/domain/access"
	"github.com/medvault/medvault/internal/domain/audit"
	"github.com/medvault/medvault/internal/domain/consent"
	"github.com/medvault/medvault/internal/domain/deletion"
	"github.com/medvault/medvault/internal/domain/identity"
	"github.com/medvault/medvault/internal/domain/records"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/cache"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/events"
	"github.com/medvault/medvault/internal/platform/hipaa"
	"github.com/medvault/medvault/internal/platform/jobs"
	"github.com/medvault/medvault/internal/platform/metrics"
	"github.com/medvault/medvault/internal/platform/middleware"
	"github.com/medvault/medvault/internal/platform/notification"
	"github.com/medvault/medvault/internal/platform/websocket"
	"github.com/medvault/medvault/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medvault-server",
		Short: "MedVault consent and records API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

// sweepCmd runs one deletion sweep pass and exits. Useful from an external
// scheduler when the in-process cron is disabled.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Finalize due deletion requests and send reminders once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Getenv("ENV"))
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := wire(ctx, cfg, pool, prometheus.NewRegistry(), logger)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			res, err := a.deletion.RunSweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Printf("finalized=%d failed=%d reminded=%d redelivered=%d\n",
				res.Finalized, res.Failed, res.Reminded, res.Redelivered)
			return nil
		},
	}
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// resolveSigningKey decodes AUTH_SIGNING_KEY. An empty value disables HS256.
func resolveSigningKey(envValue string) ([]byte, error) {
	if envValue == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(envValue)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_SIGNING_KEY hex value: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// verifyLimitConfig throttles MFA verification per user. Non-positive
// settings fall back to one attempt every five seconds with a burst of five.
func verifyLimitConfig(rps float64, burst int) middleware.RateLimitConfig {
	if rps <= 0 {
		rps = 0.2
	}
	if burst <= 0 {
		burst = 5
	}
	return middleware.RateLimitConfig{
		RequestsPerSecond: rps,
		BurstSize:         burst,
		KeyFunc:           middleware.ActorOrIP,
	}
}

// app holds the wired services shared by serve and sweep.
type app struct {
	metrics    *metrics.Metrics
	rdb        *redis.Client
	hub        *websocket.Hub
	publisher  events.Publisher
	sink       *audit.AsyncSink
	dispatcher *notification.Dispatcher
	notes      *notification.PGStore

	identity *identity.Service
	mfa      *identity.MFAService
	consent  *consent.Service
	records  *records.Service
	audit    *audit.Service
	deletion *deletion.Service
}

func wire(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, reg *prometheus.Registry, logger zerolog.Logger) (*app, error) {
	a := &app{metrics: metrics.New(reg)}
	tx := db.NewTxRunner(pool)

	enc, err := hipaa.NewEncryptionService(cfg.HIPAAEncryptionKey, logger)
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}
	plan, err := hipaa.NewErasurePlan(hipaa.DefaultRetentionPolicies())
	if err != nil {
		return nil, fmt.Errorf("erasure plan: %w", err)
	}

	if cfg.RedisURL != "" {
		a.rdb, err = cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	}

	a.publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		a.publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
	}

	auditRepo := audit.NewAccessEventRepoPG(pool)
	a.sink = audit.NewAsyncSink(auditRepo, a.publisher, a.metrics, audit.DefaultSinkConfig(), logger)
	a.audit = audit.NewService(auditRepo)

	a.hub = websocket.NewHub(logger)
	a.notes = notification.NewPGStore(pool)
	a.dispatcher = notification.NewDispatcher(a.notes, a.metrics, logger)
	a.dispatcher.Use(notification.ChannelInApp, notification.NewHubPusher(a.hub))
	if cfg.SQSAuthQueueURL != "" {
		client, err := notification.NewSQSClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("sqs: %w", err)
		}
		a.dispatcher.Use(notification.ChannelAuthenticator, notification.NewSQSPusher(client, cfg.SQSAuthQueueURL))
	}

	deletionRepo := deletion.NewDeletionRepoPG(pool)
	userRepo := identity.NewUserRepoPG(pool, enc)
	a.identity = identity.NewService(userRepo, plan, logger)
	a.mfa = identity.NewMFAService(userRepo, deletionRepo, cfg.MFAIssuer, logger)

	a.consent = consent.NewService(consent.NewConsentRepoPG(pool), tx, a.identity, a.sink, logger)

	recordRepo := records.NewRecordRepoPG(pool, enc)
	engine := access.NewEngine(a.consent, a.identity, recordRepo, a.sink, a.metrics, logger)
	a.records = records.NewService(recordRepo, engine, a.identity, logger)

	deps := deletion.Deps{
		Repo:          deletionRepo,
		Tx:            tx,
		Users:         a.identity,
		MFA:           a.mfa,
		Consents:      a.consent,
		Notifications: a.notes,
		Templates:     notification.NewTemplateEngine(),
		Dispatcher:    a.dispatcher,
		Plan:          plan,
		Audit:         a.sink,
		Metrics:       a.metrics,
	}
	if a.rdb != nil {
		deps.Failures = cache.NewFailureCounter(a.rdb, "mfa:fail", time.Hour)
	}
	a.deletion = deletion.NewService(deps, deletion.Config{
		Grace:          cfg.DeletionGrace,
		ReminderWindow: cfg.DeletionReminder,
		SweepBatch:     100,
	}, logger)

	return a, nil
}

// close drains background workers in dependency order.
func (a *app) close(ctx context.Context) {
	a.dispatcher.Wait()
	_ = a.sink.Close(ctx)
	_ = a.publisher.Close()
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	cfg.WarnIfDev(logger)

	signingKey, err := resolveSigningKey(cfg.AuthSigningKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid signing key")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	reg := prometheus.NewRegistry()
	a, err := wire(ctx, cfg, pool, reg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}

	// Background sweep
	var locker jobs.Locker
	if a.rdb != nil {
		locker = cache.NewLocker(a.rdb)
	}
	scheduler := jobs.NewScheduler(locker, 2*time.Minute, logger)
	if err := scheduler.Add("deletion-sweep", cfg.SweepSchedule, func(ctx context.Context) error {
		res, err := a.deletion.RunSweep(ctx)
		if err != nil {
			return err
		}
		logger.Info().Int("finalized", res.Finalized).Int("failed", res.Failed).
			Int("reminded", res.Reminded).Int("redelivered", res.Redelivered).Msg("deletion sweep")
		return nil
	}); err != nil {
		logger.Fatal().Err(err).Str("spec", cfg.SweepSchedule).Msg("invalid sweep schedule")
	}
	scheduler.Start()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(a.metrics))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Role"},
	}))

	// Health and metrics stay outside auth
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	checks := []db.Check{db.PoolCheck(pool)}
	if a.rdb != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: cache.Ping(a.rdb)})
	}
	e.GET("/health/ready", db.ReadinessHandler(pool, checks...))
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	// Auth middleware
	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: signingKey,
		}, logger)
	}

	// API group
	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		authMW,
		middleware.PHIAccessLog(logger),
	)

	identity.NewHandler(a.identity, a.mfa).RegisterRoutes(apiV1)
	consent.NewHandler(a.consent).RegisterRoutes(apiV1)
	records.NewHandler(a.records).RegisterRoutes(apiV1)
	audit.NewHandler(a.audit).RegisterRoutes(apiV1)
	notification.NewHandler(a.notes).RegisterRoutes(apiV1)

	verifyLimit := middleware.RateLimit(verifyLimitConfig(cfg.MFAVerifyRPS, cfg.MFAVerifyBurst))
	deletion.NewHandler(a.deletion, verifyLimit).RegisterRoutes(apiV1)

	// Real-time notifications at /api/v1/ws
	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	a.close(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}
