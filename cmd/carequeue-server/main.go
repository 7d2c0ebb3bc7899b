package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/carequeue/carequeue/internal/config"
	"github.com/carequeue/carequeue/internal/domain/preference"
	"github.com/carequeue/carequeue/internal/domain/queue"
	"github.com/carequeue/carequeue/internal/domain/room"
	"github.com/carequeue/carequeue/internal/platform/auth"
	"github.com/carequeue/carequeue/internal/platform/db"
	"github.com/carequeue/carequeue/internal/platform/middleware"
	"github.com/carequeue/carequeue/internal/platform/notification"
	"github.com/carequeue/carequeue/internal/platform/websocket"
	"github.com/carequeue/carequeue/migrations"
)

// devSigningKey is used when ENV=development and no auth source is configured.
const devSigningKey = "carequeue-development-signing-key"

func main() {
	rootCmd := &cobra.Command{
		Use:   "carequeue-server",
		Short: "Hospital queue API and realtime hub",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(tokenCmd())

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
	cmd.PersistentFlags().String("dir", "", "Read migrations from this directory instead of the built-in set")

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, closePool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := newMigrator(cmd, pool).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, closePool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := newMigrator(cmd, pool).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrations(os.Stdout, statuses)
			return nil
		},
	}

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

func newMigrator(cmd *cobra.Command, pool *pgxpool.Pool) *db.Migrator {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return db.NewMigrator(pool, os.DirFS(dir))
	}
	return db.NewMigrator(pool, migrations.Files)
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect live queues",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the active entries of a hospital",
		RunE: func(cmd *cobra.Command, args []string) error {
			hospital, _ := cmd.Flags().GetString("hospital")
			specialty, _ := cmd.Flags().GetString("specialty")
			if hospital == "" {
				return fmt.Errorf("--hospital is required")
			}

			ctx := context.Background()
			pool, closePool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			entries, err := queue.NewRepoPG(pool).ListActive(ctx, hospital, specialty)
			if err != nil {
				return err
			}
			printQueue(cmd.OutOrStdout(), hospital, entries, time.Now())
			return nil
		},
	}
	showCmd.Flags().String("hospital", "", "Hospital name")
	showCmd.Flags().String("specialty", "", "Limit to one specialty")
	cmd.AddCommand(showCmd)

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an HS256 token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			key := cfg.AuthSigningKey
			if key == "" && cfg.IsDev() {
				key = devSigningKey
			}
			if key == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}

			user, _ := cmd.Flags().GetString("user")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			hospital, _ := cmd.Flags().GetString("hospital")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := auth.SignToken([]byte(key), cfg.AuthIssuer, cfg.AuthAudience, auth.Identity{
				UserID: user, Name: name, Role: role, HospitalName: hospital,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("user", "", "Subject (user id)")
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().String("role", auth.RolePatient, "patient, staff or admin")
	cmd.Flags().String("hospital", "", "Hospital for staff tokens")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context) (*pgxpool.Pool, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

// buildVerifier returns the token verifier for cfg. Development runs without
// an auth source fall back to devSigningKey.
func buildVerifier(cfg *config.Config, logger zerolog.Logger) (auth.Verifier, error) {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.AuthSigningKey == "" && cfg.AuthIssuer == "" && cfg.AuthJWKSURL == "" && cfg.IsDev() {
		logger.Warn().Msg("no auth source configured, using the development signing key")
		jwtCfg.SigningKey = []byte(devSigningKey)
	}
	return auth.NewJWTVerifier(jwtCfg)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(os.Getenv("ENV"))
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure token verification")
	}

	g, gctx := errgroup.WithContext(ctx)

	// Realtime hub, fanned out across instances through Redis when configured.
	hub := websocket.NewHub(logger)
	var events websocket.EventPublisher = hub
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		bus := websocket.NewRedisBus(rdb, cfg.RedisChannel, hub, logger)
		events = bus
		g.Go(func() error { return bus.Run(gctx) })
	}

	// Notifications
	notifRepo := notification.NewRepoPG(pool)
	dispatcher := notification.NewDispatcher(notifRepo, cfg.NotifyWorkers, cfg.NotifyBuffer, logger)
	// Stopped after the HTTP server so in-flight requests can still enqueue.
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	g.Go(func() error { return dispatcher.Run(dispatchCtx) })

	// Domain services
	roomSvc := room.NewService(room.NewRepoPG(pool), cfg.RoomCacheTTL)
	queueSvc := queue.NewService(queue.NewRepoPG(pool), queue.Config{
		ServiceMinutes: cfg.ServiceMinutes,
		Rooms:          roomSvc,
		Events:         events,
		Notifications:  dispatcher,
		Preferences:    preference.NewRepoPG(pool),
		Logger:         logger,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.RequestTimeout(15 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "ok",
			"hub":    hub.Stats(),
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	websocket.NewHandler(hub, verifier, cfg.CORSOrigins, logger).RegisterRoutes(e)

	// Authenticated API
	authMW := auth.JWTMiddleware(verifier)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(verifier)
	}
	apiV1 := e.Group("/api/v1", authMW)
	queue.NewHandler(queueSvc, logger).RegisterRoutes(apiV1)
	room.NewHandler(roomSvc, events).RegisterRoutes(apiV1)
	notification.NewHandler(notifRepo).RegisterRoutes(apiV1)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		stopDispatch()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
