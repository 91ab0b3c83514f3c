package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/satvikakolisetty/pep-energy-project/internal/alerts"
	"github.com/satvikakolisetty/pep-energy-project/internal/api"
	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/deadletter"
	"github.com/satvikakolisetty/pep-energy-project/internal/fetch"
	"github.com/satvikakolisetty/pep-energy-project/internal/intake"
	"github.com/satvikakolisetty/pep-energy-project/internal/logging"
	"github.com/satvikakolisetty/pep-energy-project/internal/metrics"
	"github.com/satvikakolisetty/pep-energy-project/internal/process"
	"github.com/satvikakolisetty/pep-energy-project/internal/storage"
)

const version = "1.0.0"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file (yaml or json)")
	flag.Parse()

	var cfgManager *config.Manager
	if configPath != "" {
		m, err := config.NewManager(config.ResolvePath(configPath))
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfgManager = m
	} else {
		cfgManager = config.NewManagerFromConfig(config.DefaultConfig())
	}
	cfg := cfgManager.Get()
	logger := logging.NewLogger(cfg.LogLevel, "pep-energy")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("open storage", "err", err)
		return
	}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := store.Init(initCtx); err != nil {
		cancel()
		logger.Error("init storage", "err", err)
		return
	}
	cancel()
	defer store.Close()

	var dispatcher alerts.Dispatcher
	if cfg.Alerts.Kafka.Enabled {
		dispatcher = alerts.NewKafkaDispatcher(cfg.Alerts.Kafka, logger)
		logger.Info("kafka alert dispatcher enabled", "brokers", cfg.Alerts.Kafka.Brokers, "topic", cfg.Alerts.Kafka.Topic)
	} else {
		dispatcher = alerts.NewLogDispatcher(logger)
	}
	defer dispatcher.Close()

	recentAlerts := alerts.NewStore(cfg.Alerts.StoreLimit)
	metricsStore := metrics.NewStore(0)
	sink := deadletter.NewSink(cfg.DeadLetter, store, logger)
	defer sink.Close()

	fetcher := fetch.NewLocatorFetcher(cfg.Intake.FetchTimeout)
	processor := process.New(cfg, fetcher, store, dispatcher, recentAlerts, metricsStore, logger)
	runner := intake.NewRunner(cfgManager, processor, sink, metricsStore, logger)

	intake.StartKafka(ctx, cfgManager, runner, logger)
	intake.StartREST(ctx, cfgManager, processor, runner, logger)
	api.Start(ctx, cfgManager, store, metricsStore, recentAlerts, logger, version)

	go cfgManager.Watch(3*time.Second,
		func(next *config.Config) {
			processor.UpdateConfig(next)
			logger.Info("config reloaded")
		},
		func(err error) {
			logger.Warn("config reload failed", "err", err)
		},
		ctx.Done(),
	)

	logger.Info("pipeline running", "version", version)
	<-ctx.Done()
	logger.Info("shutdown requested")
}
