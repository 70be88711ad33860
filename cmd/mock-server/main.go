package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/mockserver/internal/config"
	"github.com/ehr/mockserver/internal/domain/resource"
	"github.com/ehr/mockserver/internal/domain/scheduling"
	"github.com/ehr/mockserver/internal/platform/clock"
	"github.com/ehr/mockserver/internal/platform/db"
	"github.com/ehr/mockserver/internal/platform/fhir"
	"github.com/ehr/mockserver/internal/platform/middleware"
	"github.com/ehr/mockserver/internal/platform/store"
	"github.com/ehr/mockserver/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "mock-server",
		Short: "FHIR appointment booking mock server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the mock server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// backend is the opened resource store plus the connections behind it.
type backend struct {
	store    store.Store
	pool     *pgxpool.Pool
	migrator *db.Migrator
	redis    *redis.Client
}

func (b *backend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, errors.Wrap(err, "connect to database")
		}
		migrator := db.NewMigrator(pool, migrations.FS)
		applied, err := migrator.Up(ctx)
		if err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "apply migrations")
		}
		logger.Info().Int("applied", applied).Msg("connected to database")
		return &backend{store: store.NewPGStore(pool), pool: pool, migrator: migrator}, nil

	case config.BackendRedis:
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "connect to redis")
		}
		logger.Info().Msg("connected to redis")
		return &backend{store: store.NewRedisStore(rdb), redis: rdb}, nil
	}

	logger.Info().Msg("using in-memory store")
	return &backend{store: store.NewMemoryStore()}, nil
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		return err
	}
	defer be.Close()

	if cfg.LoadResourcesDir != "" {
		n, err := store.NewLoader(be.store, logger).LoadFS(ctx, os.DirFS(cfg.LoadResourcesDir))
		if err != nil {
			return errors.Wrapf(err, "load resources from %s", cfg.LoadResourcesDir)
		}
		logger.Info().Int("resources", n).Str("dir", cfg.LoadResourcesDir).Msg("resources loaded")
	}

	// Async bookings outlive their HTTP request but not the process.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	e := newServer(serverDeps{
		cfg:    cfg,
		logger: logger,
		clock:  clock.NewRealClock(),
		be:     be,
		jobCtx: jobCtx,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Str("store", cfg.StoreBackend).Msg("starting mock server")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		cancelJobs()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

type serverDeps struct {
	cfg    *config.Config
	logger zerolog.Logger
	clock  clock.Clock
	be     *backend
	jobCtx context.Context
}

// newServer wires the middleware chain, the booking engine and the generic
// resource endpoints onto a new echo instance.
func newServer(d serverDeps) *echo.Echo {
	cfg, logger := d.cfg, d.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Prefer", "X-Request-ID"},
		ExposeHeaders: []string{"Location", "Content-Location"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.StoreBackend,
		})
	})
	if d.be.pool != nil {
		e.GET("/health/db", db.HealthHandler(d.be.pool, d.be.migrator))
	}

	coord := scheduling.NewCoordinator(d.be.store, d.clock, logger.With().Str("component", "booking").Logger())
	guard := scheduling.NewPatchGuard(coord.Repositories(), logger.With().Str("component", "patch-guard").Logger())
	booking := scheduling.NewHandler(coord, guard, scheduling.NewJobRegistry(), logger, scheduling.HandlerOptions{
		PublicBaseURL: cfg.PublicBaseURL,
		JobContext:    d.jobCtx,
	})
	resources := resource.NewHandler(d.be.store, cfg.PublicBaseURL, logger)

	capBuilder := fhir.NewCapabilityBuilder(cfg.PublicBaseURL, version)
	resources.RegisterCapabilities(capBuilder)
	booking.RegisterCapabilities(capBuilder)
	e.GET("/fhir/metadata", fhir.CapabilityHandler(capBuilder))

	fhirGroup := e.Group("/fhir")
	jobsGroup := e.Group("/async-jobs")
	fhirGroup.Use(middleware.BodyLimit(cfg.BodyLimit))
	if cfg.AuthEnabled() {
		auth := middleware.JWTAuth([]byte(cfg.AuthSecret))
		fhirGroup.Use(auth)
		jobsGroup.Use(auth)
	}

	interceptors := fhir.NewInterceptorChain().Register(booking.PatchInterceptor())
	fhirGroup.Use(interceptors.Middleware())

	booking.RegisterRoutes(fhirGroup, jobsGroup)
	resources.RegisterRoutes(fhirGroup)

	logger.Debug().Int("interceptors", interceptors.Len()).Msg("routes registered")
	return e
}
