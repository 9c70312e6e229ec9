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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HanTheDev/legal-research-gateway/internal/analytics"
	"github.com/HanTheDev/legal-research-gateway/internal/api"
	"github.com/HanTheDev/legal-research-gateway/internal/auth"
	"github.com/HanTheDev/legal-research-gateway/internal/cache"
	"github.com/HanTheDev/legal-research-gateway/internal/completion"
	"github.com/HanTheDev/legal-research-gateway/internal/config"
	"github.com/HanTheDev/legal-research-gateway/internal/db"
	"github.com/HanTheDev/legal-research-gateway/internal/governor"
	"github.com/HanTheDev/legal-research-gateway/internal/logging"
	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/HanTheDev/legal-research-gateway/internal/ratelimit"
)

const shutdownTimeout = 15 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "legal-research-gateway",
		Short:         "Cost and quality governance for legal research queries",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{Use: "serve", Short: "Run the HTTP gateway", RunE: runServe},
		&cobra.Command{Use: "migrate", Short: "Apply the Postgres schema", RunE: runMigrate},
		estimateCmd(),
		selectCmd(),
		gradeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared stores: Redis when configured, process memory otherwise.
	var (
		windows ratelimit.Windows
		backend cache.Backend
		pruner  governor.Pruner
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		windows = ratelimit.NewRedisWindows(client)
		backend = cache.NewRedisBackend(client)
		logger.Info("using redis stores")
	} else {
		mem := ratelimit.NewMemoryWindows()
		windows, pruner = mem, mem
		backend = cache.NewMemoryBackend()
		logger.Warn("REDIS_URL not set, using in-process stores")
	}

	// The database is optional: without it there is no tenant registry and
	// no durable query log.
	deps := governor.Deps{
		Limiter:   ratelimit.NewRateLimiter(windows, limitsFromConfig(cfg), logger),
		Cache:     cache.New(backend, logger, cache.WithExtendOnHit(cfg.CacheExtendOnHit)),
		Analytics: analytics.New(logger),
		Logger:    logger,
	}
	var tenants api.TenantStore
	if cfg.DatabaseURL != "" {
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()
		deps.QueryLog = database
		tenants = database
	} else {
		logger.Warn("DATABASE_URL not set, tenant registry and query log disabled")
	}

	opts := []governor.Option{
		governor.WithProfiles(profilesFromConfig(cfg)),
		governor.WithIntervals(cfg.SweepInterval, cfg.RollupInterval),
	}
	if pruner != nil {
		opts = append(opts, governor.WithPruner(pruner))
	}
	gov := governor.New(deps, opts...)
	defer gov.Close()

	pricing := completion.Pricing{FastPer1K: cfg.FastCostPer1KTokens, ThoroughPer1K: cfg.ThoroughCostPer1KTokens}
	completer := completion.NewClient(cfg.CompletionURL, cfg.CompletionTimeout, logger)

	router := api.NewRouter(api.RouterConfig{
		Handler:   api.NewHandler(gov, completer, pricing, logger),
		Admin:     api.NewAdminHandler(gov, tenants, logger),
		Auth:      auth.NewMiddleware(cfg.JWTSecret, cfg.AdminToken),
		Tenants:   tenants,
		JWTSecret: cfg.JWTSecret,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gov.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("completion_url", cfg.CompletionURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	database, err := db.NewDB(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
	return nil
}

func limitsFromConfig(cfg *config.Config) map[models.Mode]ratelimit.Limit {
	return map[models.Mode]ratelimit.Limit{
		models.ModeFast:     {Hourly: cfg.FastHourlyLimit, PerMinute: cfg.FastMinuteLimit},
		models.ModeThorough: {Hourly: cfg.ThoroughHourlyLimit, PerMinute: cfg.ThoroughMinuteLimit},
	}
}

func profilesFromConfig(cfg *config.Config) map[models.Mode]governor.Profile {
	profiles := governor.DefaultProfiles()
	fast := profiles[models.ModeFast]
	fast.TTL = cfg.CacheTTL
	profiles[models.ModeFast] = fast
	thorough := profiles[models.ModeThorough]
	thorough.TTL = cfg.ResearchCacheTTL
	profiles[models.ModeThorough] = thorough
	return profiles
}
