// Showrunner orchestrates broadcast generation: it collects news, has a
// script written, synthesizes speech and assembles the final media by
// calling a set of downstream services, tracking every run as a session.
//
// Usage:
//
//	showrunner [flags]
//	showrunner --config /path/to/showrunner.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nadzzz/showrunner/internal/archive"
	"github.com/nadzzz/showrunner/internal/broadcast"
	"github.com/nadzzz/showrunner/internal/client"
	"github.com/nadzzz/showrunner/internal/config"
	"github.com/nadzzz/showrunner/internal/downstream/remote"
	"github.com/nadzzz/showrunner/internal/events"
	"github.com/nadzzz/showrunner/internal/gateway"
	"github.com/nadzzz/showrunner/internal/health"
	"github.com/nadzzz/showrunner/internal/pipeline"
	"github.com/nadzzz/showrunner/internal/session"
	"github.com/nadzzz/showrunner/internal/session/redisstore"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/showrunner.local.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("showrunner %s\n", version)
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Setup structured logging.
	logger := config.SetupLogging(cfg.Logging)
	logger.Info().Str("version", version).Msg("showrunner starting")

	// Create root context with signal handling for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session store")
	}
	defer closeStore()

	// One client per configured downstream service.
	clients := make(map[string]*client.Client, len(cfg.Services))
	for _, name := range config.ServiceNames {
		sc, ok := cfg.Services[name]
		if !ok || sc.BaseURL == "" {
			logger.Info().Str("service", name).Msg("service not configured")
			continue
		}
		clients[name] = client.New(client.Config{
			Name:             name,
			BaseURL:          sc.BaseURL,
			APIKey:           sc.APIKey,
			Timeout:          sc.Timeout,
			MaxRetries:       sc.MaxRetries,
			BackoffBase:      sc.BackoffBase,
			BackoffMax:       sc.BackoffMax,
			BreakerThreshold: sc.BreakerThreshold,
			BreakerWindow:    sc.BreakerWindow,
			BreakerCooldown:  sc.BreakerCooldown,
			HealthPath:       sc.HealthPath,
		}, client.WithLogger(logger))
	}
	services := remote.Clients{
		Content:   clients[config.ServiceContent],
		Audio:     clients[config.ServiceAudio],
		Media:     clients[config.ServiceMedia],
		Data:      clients[config.ServiceData],
		Speaker:   clients[config.ServiceSpeaker],
		Analytics: clients[config.ServiceAnalytics],
	}.Services()

	bus := events.NewBus(64, logger)
	defer bus.Close()

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithBus(bus),
		pipeline.WithPolicy(policyFrom(cfg.Pipeline)),
	}
	if cfg.Archive.Enabled {
		archiver, err := archive.New(archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			Prefix:          cfg.Archive.Prefix,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create archive")
		}
		opts = append(opts, pipeline.WithArchiver(archiver))
	}
	orch, err := pipeline.New(store, services, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create orchestrator")
	}

	// Sessions left mid-pipeline by a previous process continue from their stage.
	if _, err := orch.Resume(ctx); err != nil {
		logger.Error().Err(err).Msg("resuming sessions")
	}

	// Health checks.
	agg := health.NewAggregator(health.Options{
		Interval:         cfg.Health.Interval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		FailureThreshold: cfg.Health.FailureThreshold,
		Logger:           logger,
	})
	for _, name := range config.ServiceNames {
		if c, ok := clients[name]; ok {
			agg.Register(c, cfg.IsMandatory(name))
		}
	}

	var wg sync.WaitGroup
	if cfg.Server.GRPCPort > 0 {
		grpcServer := health.NewGRPCServer(cfg.Server.GRPCPort, agg, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := grpcServer.ListenAndServe(ctx); err != nil {
				logger.Error().Err(err).Msg("grpc health server failed")
			}
		}()
	}

	agg.Start(ctx)

	gw := gateway.New(gateway.Config{
		Port:        cfg.Server.Port,
		SyncWindow:  cfg.Server.SyncWindow,
		SyncMaxNews: cfg.Server.SyncMaxNews,
		CORSOrigins: cfg.Server.CORSOrigins,
		Limits: broadcast.RequestLimits{
			MaxNews:   cfg.Pipeline.MaxNews,
			Channels:  cfg.Pipeline.ChannelNames(),
			Languages: cfg.Pipeline.Languages,
		},
	}, orch, store, agg, bus, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.ListenAndServe(ctx); err != nil {
			logger.Error().Err(err).Msg("gateway failed")
			cancel()
		}
	}()

	logger.Info().
		Int("port", cfg.Server.Port).
		Int("grpc_port", cfg.Server.GRPCPort).
		Int("services", len(clients)).
		Str("store", cfg.Store.Backend).
		Msg("showrunner ready")

	// Block until shutdown signal.
	<-ctx.Done()
	logger.Info().Int("running", orch.Running()).Msg("shutdown signal received, draining...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := orch.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("orchestrator did not drain in time")
	}

	wg.Wait()
	agg.Wait()
	logger.Info().Msg("showrunner stopped")
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (session.Store, func(), error) {
	switch cfg.Backend {
	case "redis":
		st, err := redisstore.Connect(ctx, cfg.RedisURL, redisstore.Options{
			Prefix:      cfg.KeyPrefix,
			TerminalTTL: cfg.TerminalTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("prefix", cfg.KeyPrefix).Msg("using redis session store")
		return st, func() { _ = st.Close() }, nil
	default:
		logger.Info().Int("capacity", cfg.Capacity).Msg("using in-memory session store")
		return session.NewMemoryStore(session.WithCapacity(cfg.Capacity)), func() {}, nil
	}
}

func policyFrom(cfg config.PipelineConfig) pipeline.Policy {
	covers := make(map[string][]string, len(cfg.Channels))
	for channel, assets := range cfg.Channels {
		covers[strings.ToLower(channel)] = assets
	}
	return pipeline.Policy{
		StageRetries:     cfg.StageRetries,
		StageBackoffBase: cfg.StageBackoffBase,
		StageBackoffMax:  cfg.StageBackoffMax,
		SessionDeadline:  cfg.SessionDeadline,
		MinContentItems:  cfg.MinContentItems,
		ContentMandatory: cfg.ContentMandatory,
		DefaultSpeakers:  cfg.DefaultSpeakers,
		CoverAssets:      covers,
	}
}
