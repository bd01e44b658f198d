package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorci/conveyor/internal/app/migrate"
	httpx "github.com/conveyorci/conveyor/internal/http"
	"github.com/conveyorci/conveyor/internal/objectstore"
	"github.com/conveyorci/conveyor/internal/repository/postgres"
	"github.com/conveyorci/conveyor/internal/service/application"
	"github.com/conveyorci/conveyor/internal/service/auth"
	"github.com/conveyorci/conveyor/internal/service/logs"
	"github.com/conveyorci/conveyor/internal/service/reconcile"
	"github.com/conveyorci/conveyor/internal/service/run"
	"github.com/conveyorci/conveyor/internal/service/webhook"
	"github.com/conveyorci/conveyor/internal/ws"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("conveyord", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	migrations, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer migrations.Close()
	if err := migrations.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := migrations.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	authSvc := auth.New(repo, log, cfg)
	appSvc := application.New(repo, log, cfg)
	logSvc := logs.New(repo, hub, log)

	runnerClient := run.NewRunnerClient(cfg.RunnerURL, cfg.RunnerAuthToken, cfg.DispatchTimeout)
	runSvc := run.New(repo, repo, repo, repo, appSvc, logSvc, runnerClient, log, cfg)
	hookSvc := webhook.New(appSvc, runSvc, log)

	var agent reconcile.AgentClient
	if strings.TrimSpace(cfg.AgentURL) != "" {
		agent = reconcile.NewAgentClient(cfg.AgentURL, cfg.AgentAuthToken, cfg.ReconcileTimeout)
		log.Info("reconciliation agent polling enabled", "url", cfg.AgentURL)
	} else {
		log.Warn("reconciliation agent not configured, drift status unavailable")
	}
	poller := reconcile.NewPoller(appSvc, repo, agent, log, cfg)
	go poller.Run(ctx)

	var archive objectstore.Store
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		store, err := objectstore.NewMinioStore(ctx, objectstore.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			Bucket:    cfg.ArchiveBucket,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			UseTLS:    cfg.ArchiveUseTLS,
		})
		if err != nil {
			log.Error("log archive init failed", "error", err, "endpoint", cfg.ArchiveEndpoint)
			os.Exit(1)
		}
		archive = store
		log.Info("log archive enabled", "endpoint", cfg.ArchiveEndpoint, "bucket", cfg.ArchiveBucket)
	} else {
		log.Warn("log archive disabled, stage log downloads unavailable")
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, appSvc, runSvc, logSvc, hookSvc, limiter, archive, cfg.RunnerAuthToken, cfg.ArchivePresign, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("control plane starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("control plane stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
