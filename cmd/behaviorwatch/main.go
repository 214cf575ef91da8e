package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"behaviorwatch/internal/aggregate"
	"behaviorwatch/internal/alerts"
	"behaviorwatch/internal/api"
	"behaviorwatch/internal/broadcast"
	"behaviorwatch/internal/config"
	"behaviorwatch/internal/dispatch"
	"behaviorwatch/internal/evaluate"
	"behaviorwatch/internal/ingest"
	"behaviorwatch/internal/logging"
	"behaviorwatch/internal/session"
	"behaviorwatch/internal/storage"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	flag.Parse()

	var manager *config.Manager
	if *configPath == "" {
		manager = config.NewStaticManager(nil)
	} else {
		var err error
		manager, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
	}
	cfg := manager.Get()

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("behaviorwatch starting", "version", version, "config", manager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			logger.Error("storage schema init failed", "err", err)
			os.Exit(1)
		}
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	var publisher broadcast.Publisher = broadcast.Noop{}
	if cfg.Broadcast.Enabled {
		redisPub, err := broadcast.NewRedisPublisher(cfg.Broadcast, logger)
		if err != nil {
			logger.Error("redis broadcast init failed", "addr", cfg.Broadcast.RedisAddr, "err", err)
			os.Exit(1)
		}
		defer redisPub.Close()
		publisher = redisPub
		logger.Info("broadcast enabled", "addr", cfg.Broadcast.RedisAddr, "prefix", cfg.Broadcast.ChannelPrefix)
	}

	dispatcher := dispatch.New(manager, logger)
	if health := dispatcher.Probe(ctx); !health.OK {
		logger.Warn("inference worker unhealthy at startup", "message", health.Message)
	}

	states := aggregate.NewStateStore()
	alertStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	aggregator := aggregate.New(manager, logger, states, alertStore, publisher, store)
	sessions := session.NewManager(manager, logger, dispatcher, aggregator, publisher, store)
	evaluator := evaluate.New(dispatcher, logger)
	registry := broadcast.NewRegistry()

	in := make(chan ingest.Envelope, cfg.Ingest.ChannelBuffer)
	ingest.Pump(ctx, in, sessions, logger)
	ingest.StartREST(ctx, manager, in, logger)
	ingest.StartKafka(ctx, manager, in, logger)

	api.Start(ctx, manager, sessions, states, alertStore, dispatcher, evaluator, registry, logger, version)

	go manager.Watch(10*time.Second,
		func(c *config.Config) { logger.Info("config reloaded", "log_level", c.LogLevel) },
		func(err error) { logger.Warn("config reload failed", "err", err) },
		ctx.Done(),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	sessions.Shutdown()
}
