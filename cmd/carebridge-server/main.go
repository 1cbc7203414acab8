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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/internal/datasync"
	"github.com/carebridge/carebridge/internal/integration"
	"github.com/carebridge/carebridge/internal/platform/cache"
	"github.com/carebridge/carebridge/internal/platform/db"
	"github.com/carebridge/carebridge/internal/platform/hipaa"
	"github.com/carebridge/carebridge/internal/platform/middleware"
	"github.com/carebridge/carebridge/internal/platform/webhook"
	"github.com/carebridge/carebridge/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "carebridge-server",
		Short: "CareBridge integration and synchronization server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(integrationsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CareBridge API server",
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
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
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
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Roll forward with a new migration file instead.")
			return nil
		},
	})

	return cmd
}

func integrationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrations",
		Short: "Inspect configured integrations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List integrations from the seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			registry, file, err := loadSeededRegistry(file)
			if err != nil {
				return err
			}

			fmt.Printf("Integrations in %s:\n\n", file)
			fmt.Printf("%-20s %-15s %-40s %-8s %-12s %s\n", "NAME", "KIND", "BASE URL", "AUTH", "RATE LIMIT", "ENABLED")
			for _, st := range registry.Snapshot() {
				c := st.Config
				rate := "unlimited"
				if c.RateLimit > 0 {
					rate = fmt.Sprintf("%d/%s", c.RateLimit, c.RateWindow)
				}
				fmt.Printf("%-20s %-15s %-40s %-8s %-12s %t\n", c.Name, c.Kind, c.BaseURL, c.Auth, rate, st.Enabled)
			}
			return nil
		},
	}
	listCmd.Flags().String("file", "", "Path to integrations file (defaults to INTEGRATIONS_FILE)")
	cmd.AddCommand(listCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Probe every enabled integration's health endpoint once",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			registry, _, err := loadSeededRegistry(file)
			if err != nil {
				return err
			}

			monitor := integration.NewMonitor(registry, zerolog.Nop(), nil)
			if timeout > 0 {
				monitor.ProbeTimeout = timeout
			}
			monitor.RunOnce(context.Background())

			unhealthy := 0
			fmt.Printf("%-20s %-12s %-10s %s\n", "NAME", "STATUS", "LATENCY", "ERROR")
			for _, st := range registry.Snapshot() {
				if !st.Enabled {
					fmt.Printf("%-20s %-12s %-10s %s\n", st.Config.Name, "skipped", "-", "disabled")
					continue
				}
				fmt.Printf("%-20s %-12s %-10s %s\n",
					st.Config.Name,
					st.Health.Status,
					st.Health.ResponseTime.Round(time.Millisecond),
					st.Health.LastError,
				)
				if st.Health.Status == integration.HealthUnhealthy {
					unhealthy++
				}
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d integration(s) unhealthy", unhealthy)
			}
			return nil
		},
	}
	checkCmd.Flags().String("file", "", "Path to integrations file (defaults to INTEGRATIONS_FILE)")
	checkCmd.Flags().Duration("timeout", 10*time.Second, "Per-probe timeout")
	cmd.AddCommand(checkCmd)

	return cmd
}

// loadSeededRegistry builds a registry from the given seed file, falling back
// to the configured INTEGRATIONS_FILE path when file is empty.
func loadSeededRegistry(file string) (*integration.Registry, string, error) {
	if file == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, "", err
		}
		file = cfg.IntegrationsFile
	}
	registry := integration.NewRegistry()
	if _, err := registry.LoadFile(file); err != nil {
		return nil, "", err
	}
	return registry, file, nil
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.ConnectWithRetry(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, 30*time.Second, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Result cache: Redis when configured, in-process otherwise. Losing the
	// cache only slows status polling down, so a broken Redis is not fatal.
	var store cache.Cache
	if cfg.RedisURL != "" {
		rc, err := cache.ConnectRedis(ctx, cfg.RedisURL, 15*time.Second, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, falling back to in-memory cache")
			store = cache.NewMemoryCache()
		} else {
			defer rc.Close()
			store = rc
			logger.Info().Msg("connected to redis")
		}
	} else {
		store = cache.NewMemoryCache()
	}

	// Integration registry, seeded from the integrations file when present.
	registry := integration.NewRegistry()
	if cfg.IntegrationsFile != "" {
		n, err := registry.LoadFile(cfg.IntegrationsFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Info().Str("file", cfg.IntegrationsFile).Msg("no integrations file, starting with empty registry")
			} else {
				logger.Fatal().Err(err).Msg("failed to load integrations file")
			}
		} else {
			logger.Info().Int("count", n).Str("file", cfg.IntegrationsFile).Msg("integrations loaded")
		}
	}

	integMetrics := integration.NewMetrics(prometheus.DefaultRegisterer)
	syncMetrics := datasync.NewMetrics(prometheus.DefaultRegisterer)

	executor := integration.NewExecutor(registry, logger, integration.WithMetrics(integMetrics))

	monitor := integration.NewMonitor(registry, logger, integMetrics)
	monitor.Interval = cfg.HealthInterval
	monitor.ProbeTimeout = cfg.ProbeTimeout
	monitor.MaxConcurrent = cfg.MaxProbes

	// Sync notifications go to websocket subscribers and, for systems that
	// cannot hold a connection open, to registered webhook endpoints.
	hub := websocket.NewHub()
	webhooks := webhook.NewRegistry()
	dispatcher := webhook.NewDispatcher(webhooks, logger)

	repo := datasync.NewRepo(pool)
	engine := datasync.NewEngine(repo, store, executor, datasync.MultiNotifier(hub, dispatcher), logger, syncMetrics)
	engine.QueueSize = cfg.QueueSize
	engine.Workers = cfg.SyncWorkers
	engine.DrainTimeout = cfg.DrainTimeout
	engine.ResultTTL = cfg.ResultTTL

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	auditLog := hipaa.NewAuditLogger(pool)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Audit(logger, auditLog))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// API group. The timeout and body limit stay off the websocket group so
	// long-lived connections are not cut.
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Per-source rate plans on top of the blanket limit. Source systems
	// identify themselves with X-Client-ID.
	clientLimiter := middleware.NewClientRateLimiter()
	apiV1.Use(middleware.ClientRateLimitMiddleware(clientLimiter))

	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	apiV1.Use(middleware.BodyLimit("1M", "16M"))
	apiV1.Use(middleware.Sanitize())
	apiV1.Use(middleware.ETagMiddleware(middleware.DefaultCacheConfig()))

	integration.NewHandler(registry, executor).RegisterRoutes(apiV1)
	datasync.NewHandler(engine).RegisterRoutes(apiV1)
	middleware.NewRateLimitHandler(clientLimiter).RegisterRoutes(apiV1)
	hipaa.NewHandler(auditLog).RegisterRoutes(apiV1)
	webhook.NewHandler(webhooks, dispatcher).RegisterRoutes(apiV1)

	wsGroup := e.Group("/ws")
	websocket.NewHandler(hub).RegisterRoutes(wsGroup)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/health/integrations", func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthSummary(registry.Snapshot()))
	})

	// Prometheus metrics
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Background health probing
	monitorCtx, monitorCancel := context.WithCancel(ctx)
	defer monitorCancel()
	go monitor.Start(monitorCtx)
	go clientLimiter.StartCleanup(monitorCtx, time.Hour)

	dispatcher.Start()
	engine.Start()

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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	// Stop probing, then drain queued sync work before letting the pool close.
	monitorCancel()
	if err := engine.Stop(); err != nil {
		logger.Warn().Err(err).Msg("sync engine drain incomplete")
	}
	dispatcher.Stop()

	logger.Info().Msg("server stopped")
	return nil
}

// healthSummary condenses a registry snapshot into per-state counts for the
// /health/integrations endpoint. The top-level status is "ok" unless at
// least one enabled integration is UNHEALTHY.
func healthSummary(statuses []integration.Status) map[string]interface{} {
	counts := map[integration.HealthStatus]int{}
	overall := "ok"
	for _, s := range statuses {
		counts[s.Health.Status]++
		if s.Enabled && s.Health.Status == integration.HealthUnhealthy {
			overall = "degraded"
		}
	}
	return map[string]interface{}{
		"status":    overall,
		"total":     len(statuses),
		"healthy":   counts[integration.HealthHealthy],
		"degraded":  counts[integration.HealthDegraded],
		"unhealthy": counts[integration.HealthUnhealthy],
		"unknown":   counts[integration.HealthUnknown],
	}
}
