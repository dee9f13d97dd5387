package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"qms/hospital-queue/internal/alerts"
	"qms/hospital-queue/internal/auth"
	"qms/hospital-queue/internal/config"
	"qms/hospital-queue/internal/engine"
	"qms/hospital-queue/internal/httpapi"
	"qms/hospital-queue/internal/hub"
	"qms/hospital-queue/internal/notify"
	"qms/hospital-queue/internal/seed"
	"qms/hospital-queue/internal/store"
	"qms/hospital-queue/internal/store/memory"
	"qms/hospital-queue/internal/store/postgres"
	"qms/hospital-queue/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "hospital-queue"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Hospital walk-in queue and appointment service",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}

	var migrationsDir string
	migrateUpCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd.Context(), migrationsDir)
		},
	}
	migrateStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd.Context(), migrationsDir)
		},
	}
	migrateCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "./migrations", "directory holding numbered .sql files")
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd)

	var seedFile string
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Load departments, doctors and staff into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), seedFile)
		},
	}
	seedCmd.Flags().StringVar(&seedFile, "file", "", "YAML seed file (built-in directory when empty)")

	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("service", serviceName).Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, newLogger(nil), err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger, nil
}

func runServer(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("config")
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, serviceName, telemetry.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Version:     cfg.ServiceVersion,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.StoreDriver == config.DriverMemory || cfg.SeedFile != "" {
		if err := seedStore(ctx, st, cfg.SeedFile, cfg.IsDev(), logger); err != nil {
			return err
		}
	}

	realtime := hub.New(cfg.ClientBuffer, logger.With().Str("component", "hub").Logger())
	dispatcher := alerts.New(
		alerts.NewProvider(alerts.ProviderConfig{
			Kind:         cfg.AlertProvider,
			WebhookURL:   cfg.AlertWebhookURL,
			WebhookToken: cfg.AlertWebhookToken,
		}, logger.With().Str("component", "alerts").Logger()),
		alerts.Options{
			Buffer: cfg.AlertBuffer,
			Logger: logger.With().Str("component", "alerts").Logger(),
		},
	)

	eng := engine.New(st, notify.Fanout{realtime, dispatcher}, engine.Options{
		ServiceMinutes:     cfg.ServiceMinutes,
		NearTurnWindow:     cfg.NearTurnWindow,
		QueuePageLimit:     cfg.QueuePageLimit,
		DefaultMaxPatients: cfg.DefaultMaxPatients,
		Location:           cfg.Location(),
		Logger:             logger.With().Str("component", "engine").Logger(),
	})

	tokens := auth.NewTokens([]byte(cfg.JWTSecret), serviceName, cfg.TokenTTL())
	api := httpapi.NewHandler(eng, auth.NewService(st, tokens), logger)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", expvar.Handler())
	mux.Handle("/realtime/", realtime.SockJSHandler("/realtime", tokens))
	mux.Handle("GET /ws", realtime.WebSocketHandler(tokens))
	mux.Handle("/", httpapi.Authenticate(tokens, api.Routes()))

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		JoinPerMinute:     cfg.JoinRateLimitPerMin,
		JoinBurst:         cfg.JoinRateLimitBurst,
		TrustForwardedFor: cfg.TrustProxyHeaders,
	})
	handler := otelhttp.NewHandler(
		httpapi.Recover(logger, httpapi.LoggingMiddleware(logger, limiter.Middleware(mux))),
		serviceName,
	)

	// No write timeout: SockJS streaming transports hold responses open.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	if every := cfg.PositionResync(); every > 0 {
		g.Go(func() error {
			resyncPositions(gctx, eng, every, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		return err
	}
	return nil
}

// resyncPositions periodically rewrites persisted walk-in positions so rows
// left stale by a crash converge.
func resyncPositions(ctx context.Context, eng *engine.Engine, every time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := eng.RecomputePositions(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("position resync failed")
				}
				continue
			}
			logger.Debug().Int("waiting", count).Msg("positions resynced")
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn().Msg("using in-memory store; state is lost on restart")
		return memory.New(memory.Options{DefaultMaxPatients: cfg.DefaultMaxPatients}), func() {}, nil
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("database")
		return nil, nil, err
	}
	return postgres.NewStore(pool, postgres.Options{DefaultMaxPatients: cfg.DefaultMaxPatients}), pool.Close, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.StoreDriver != config.DriverPostgres {
		return nil, fmt.Errorf("STORE_DRIVER must be %q for this command", config.DriverPostgres)
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// seedStore refuses literal fallback staff passwords unless allowFallback is
// set.
func seedStore(ctx context.Context, target seed.Target, path string, allowFallback bool, logger zerolog.Logger) error {
	var (
		file seed.File
		err  error
	)
	if path != "" {
		file, err = seed.LoadFile(path)
	} else {
		file, err = seed.Default()
	}
	if err != nil {
		return fmt.Errorf("load seed: %w", err)
	}
	if users := file.FallbackPasswords(); len(users) > 0 {
		if !allowFallback {
			return fmt.Errorf("seed: staff %s would get the password from the seed file; set their password_env outside development", strings.Join(users, ", "))
		}
		logger.Warn().Strs("staff", users).Msg("seeding staff with fallback passwords")
	}
	summary, err := seed.Apply(ctx, target, file, logger)
	if err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	logger.Info().
		Int("departments", summary.Departments).
		Int("doctors", summary.Doctors).
		Int("staff", summary.Staff).
		Msg("seed applied")
	return nil
}

func runMigrateUp(ctx context.Context, dir string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := postgres.NewMigrator(pool, dir).Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	logger.Info().Int("applied", applied).Str("dir", dir).Msg("migrations complete")
	return nil
}

func runMigrateStatus(ctx context.Context, dir string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	statuses, err := postgres.NewMigrator(pool, dir).Status(ctx)
	if err != nil {
		return fmt.Errorf("migrate status: %w", err)
	}
	fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "APPLIED", "APPLIED AT")
	for _, s := range statuses {
		appliedAt := ""
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Printf("%-10d %-40s %-10t %s\n", s.Version, s.Name, s.Applied, appliedAt)
	}
	return nil
}

func runSeed(ctx context.Context, path string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := postgres.NewStore(pool, postgres.Options{DefaultMaxPatients: cfg.DefaultMaxPatients})
	return seedStore(ctx, st, path, cfg.IsDev(), logger)
}
