package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/conveyorci/conveyor/internal/objectstore"
	httpx "github.com/conveyorci/conveyor/internal/runner/http"
	"github.com/conveyorci/conveyor/internal/runner/pipeline"
	"github.com/conveyorci/conveyor/internal/runner/registry"
	"github.com/conveyorci/conveyor/internal/runner/workspace"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/logger"
)

func main() {
	cfg := config.LoadRunnerConfig()
	log := logger.New("runner", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	images, err := registry.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer images.Close()

	if err := images.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}

	var archive objectstore.Store
	if cfg.ArchiveEndpoint != "" {
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
		log.Warn("log archive disabled, stage logs are not retained")
	}

	pipelineSvc := pipeline.New(images, workspaceManager, archive, log, cfg)
	router := httpx.New(log, pipelineSvc, cfg.CallbackToken)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("runner server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("runner server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
