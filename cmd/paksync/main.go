package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/paksync/internal/engine"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/clock"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/config"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/logging"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/server"
	"github.com/GriffinCanCode/paksync/internal/providers/fs"
	cdn "github.com/GriffinCanCode/paksync/internal/providers/http"
	"github.com/GriffinCanCode/paksync/internal/providers/vfs"
)

const stopTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "TOML or YAML config file")
	patch := flag.Bool("patch", false, "Start a patch once the engine is up")
	progressInterval := flag.Duration("progress-interval", time.Second, "WebSocket progress push interval")
	flag.Parse()

	if err := run(*configPath, *patch, *progressInterval); err != nil {
		fmt.Fprintf(os.Stderr, "paksync: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, patch bool, progressInterval time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting paksync",
		zap.String("build_id", cfg.Downloader.BuildID),
		zap.String("deployment", cfg.Downloader.Deployment),
		zap.String("cache_dir", cfg.Downloader.CacheDir),
	)

	metrics := monitoring.NewMetrics(nil)

	client := cdn.NewClient(cdn.Options{
		Timeout:           cfg.Transport.Timeout.Std(),
		ManifestTimeout:   cfg.Transport.ManifestTimeout.Std(),
		RequestsPerSecond: cfg.Transport.RequestsPerSecond,
		Burst:             cfg.Transport.Burst,
		UserAgent:         cfg.Transport.UserAgent,
		HostFailures:      cfg.Transport.HostFailures,
		HostCooldown:      cfg.Transport.HostCooldown.Std(),
	}, logger.Component("transport"))
	defer client.Close()

	namespace := vfs.NewNamespace(logger.Logger)
	defer namespace.Close()

	eng := engine.New(engineConfig(cfg.Downloader), engine.Deps{
		Transport:  client,
		Mounter:    namespace,
		FileSystem: fs.NewLocal(),
		Clock:      clock.New(),
	}, logger.Logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if patch {
		eng.Subscribe(func(ev engine.Event) {
			if ev.Kind == engine.EventPatchCompleted {
				logger.Info("Patch completed", zap.Bool("ok", ev.OK))
			}
		})
		started, err := eng.StartPatch()
		if err != nil {
			logger.Error("Failed to start patch", zap.Error(err))
		} else if !started {
			logger.Warn("Patch not started, chunks are missing from the manifest")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled {
		srv := server.New(eng, server.Options{
			Server:           cfg.Server,
			RateLimit:        cfg.RateLimit,
			Development:      cfg.Logging.Development,
			ProgressInterval: progressInterval,
		}, logger.Logger, metrics)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return eng.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Shutdown with error", zap.Error(err))
		return err
	}
	logger.Info("Stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

func engineConfig(d config.DownloaderConfig) engine.Config {
	return engine.Config{
		Platform:                d.Platform,
		CacheDir:                d.CacheDir,
		EmbeddedDir:             d.EmbeddedDir,
		Deployment:              d.Deployment,
		Deployments:             d.DeploymentHosts(),
		BuildID:                 d.BuildID,
		ChunkList:               d.Chunks,
		RemoteChunkList:         d.RemoteChunkList,
		RemoteBuildID:           d.RemoteBuildID,
		MaxDownloads:            d.MaxDownloads,
		MountWorkers:            d.MountWorkers,
		LoadingPoll:             d.LoadingPoll.Std(),
		LoadingIdlePolls:        d.LoadingIdlePolls,
		ManifestRetries:         d.ManifestRetries,
		LocalManifestFile:       d.LocalManifestFile,
		CachedBuildManifestFile: d.CachedBuildManifestFile,
		EmbeddedManifestFile:    d.EmbeddedManifestFile,
		PakPattern:              d.PakPattern,
	}
}
