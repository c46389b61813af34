package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/adapter/repo"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/dispatcher"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/events"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/http/handlers"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/http/httpapi"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/imagegen"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/infra"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/maintenance"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("api: stopped with error")
	}
	logger.Info().Msg("api: stopped")
}

func run(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) error {
	store, err := repo.Open(ctx, cfg, infra.Component(logger, "store"))
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.StoreDriver).Str("location", repo.Location(cfg)).Msg("api: job store ready")

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	var artifacts *storage.FileStore
	if cfg.ArtifactDir != "" {
		if artifacts, err = storage.NewFileStore(cfg.ArtifactDir); err != nil {
			return err
		}
	}

	app := handlers.NewApp(store, infra.Component(logger, "http"))
	app.Events = publisher
	app.Location = repo.Location(cfg)
	app.RecentLimit = cfg.RecentJobsLimit
	if artifacts != nil {
		app.Artifacts = artifacts
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.DispatcherEnabled {
		d := dispatcher.New(store, newExecutor(cfg, artifacts, logger), dispatcher.Options{
			PollInterval: cfg.DispatchPollInterval,
			Logger:       infra.Component(logger, "dispatcher"),
			Events:       publisher,
		})
		app.Notifier = d
		g.Go(func() error { return d.Run(gctx) })
	} else {
		logger.Info().Msg("api: embedded dispatcher disabled, run cmd/worker against the same store")
	}

	scheduler := maintenance.New(store, maintenance.Options{
		Interval:        cfg.MaintenanceInterval,
		RetryInterval:   cfg.MaintenanceRetry,
		StuckJobTimeout: cfg.StuckJobTimeout,
		Retention:       cfg.JobRetention,
		Logger:          infra.Component(logger, "maintenance"),
		Events:          publisher,
	})
	g.Go(func() error { return scheduler.Run(gctx) })

	router := httpapi.NewRouter(app, httpapi.OptionsFromConfig(cfg, infra.Component(logger, "access")))
	server := infra.NewHTTPServer(cfg, router)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Msg("api: listening")
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("api: failed to shutdown server")
		}
		return gctx.Err()
	})

	return g.Wait()
}

func newExecutor(cfg *infra.Config, artifacts *storage.FileStore, logger zerolog.Logger) *imagegen.WorkerClient {
	opts := imagegen.WorkerOptions{
		BaseURL: cfg.WorkerURL,
		Timeout: cfg.WorkerTimeout,
		Logger:  infra.Component(logger, "worker_client"),
	}
	if artifacts != nil {
		opts.Artifacts = artifacts
	}
	return imagegen.NewWorkerClient(opts)
}

func newPublisher(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (events.Publisher, error) {
	if cfg.RedisURL == "" {
		return events.Nop{}, nil
	}
	pub, err := events.NewRedisPublisher(cfg.RedisURL, cfg.EventsChannel)
	if err != nil {
		return nil, err
	}
	if err := pub.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("api: redis unreachable, events will be retried per publish")
	}
	logger.Info().Str("channel", cfg.EventsChannel).Msg("api: publishing job events")
	return pub, nil
}
