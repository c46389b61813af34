package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/adapter/repo"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/dispatcher"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/events"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/imagegen"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/infra"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/storage"
)

// The worker runs only the dispatcher. Start it next to an API process whose
// DISPATCHER_ENABLED is false; both must point at the same store.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func run(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) error {
	if cfg.StoreDriver == repo.DriverMemory {
		return errors.New("worker: the memory store cannot be shared between processes")
	}
	store, err := repo.Open(ctx, cfg, infra.Component(logger, "store"))
	if err != nil {
		return err
	}
	defer store.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.RedisURL != "" {
		pub, err := events.NewRedisPublisher(cfg.RedisURL, cfg.EventsChannel)
		if err != nil {
			return err
		}
		publisher = pub
	}
	defer publisher.Close()

	opts := imagegen.WorkerOptions{
		BaseURL: cfg.WorkerURL,
		Timeout: cfg.WorkerTimeout,
		Logger:  infra.Component(logger, "worker_client"),
	}
	if cfg.ArtifactDir != "" {
		artifacts, err := storage.NewFileStore(cfg.ArtifactDir)
		if err != nil {
			return err
		}
		opts.Artifacts = artifacts
	}

	g, gctx := errgroup.WithContext(ctx)

	dopts := dispatcher.Options{
		PollInterval: cfg.DispatchPollInterval,
		Logger:       infra.Component(logger, "dispatcher"),
		Events:       publisher,
	}
	if cfg.StoreDriver == repo.DriverPostgres {
		listener, err := repo.NewPGListener(cfg.DatabaseURL, infra.Component(logger, "listener"))
		if err != nil {
			logger.Warn().Err(err).Msg("worker: LISTEN unavailable, falling back to polling")
		} else {
			defer listener.Close()
			dopts.Wake = listener.Wake(gctx)
		}
	}

	d := dispatcher.New(store, imagegen.NewWorkerClient(opts), dopts)
	g.Go(func() error { return d.Run(gctx) })
	return g.Wait()
}
