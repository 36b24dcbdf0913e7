package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/relayqueue/internal/adminapi"
	"github.com/agentworkforce/relayqueue/internal/config"
	"github.com/agentworkforce/relayqueue/internal/metrics"
	"github.com/agentworkforce/relayqueue/internal/relayqueue"
)

func main() {
	configPath := flag.String("c", os.Getenv("RELAYQUEUE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	metrics.Register()

	store, err := relayqueue.OpenStore(cfg.Store.DSN)
	if err != nil {
		logger.Fatal("failed to open durable store", zap.String("dsn", cfg.Store.DSN), zap.Error(err))
	}

	transport := relayqueue.NewHTTPTransport(relayqueue.HTTPTransportOptions{
		BaseURL:     cfg.API.BaseURL,
		CommandPath: cfg.API.CommandPath,
		AuthPath:    cfg.API.AuthPath,
		UserAgent:   cfg.API.UserAgent,
		HTTPClient:  &http.Client{Timeout: cfg.API.Timeout},
	})

	state := relayqueue.NewConnState()
	pipeline, err := relayqueue.New(relayqueue.Options{
		Store:               store,
		Transport:           transport,
		State:               state,
		Logger:              logger,
		ProcessRequestDelay: cfg.Dispatch.ProcessRequestDelay,
		BackoffBase:         cfg.Dispatch.BackoffBase,
		BackoffMax:          cfg.Dispatch.BackoffMax,
		MaxDeadLetters:      cfg.Dispatch.MaxDeadLetters,
		OnTokenRefreshed: func(token string) {
			if err := relayqueue.SaveSessionFile(cfg.StateDir, token); err != nil {
				logger.Warn("failed to persist session token", zap.Error(err))
			}
		},
	})
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}

	watcher, err := relayqueue.NewStorageWatcher(cfg.StateDir, state, logger)
	if err != nil {
		logger.Fatal("failed to watch state directory", zap.String("dir", cfg.StateDir), zap.Error(err))
	}
	if err := watcher.Start(); err != nil {
		logger.Fatal("failed to start storage watcher", zap.Error(err))
	}

	var probe *relayqueue.ReachabilityProbe
	if cfg.Probe.URL != "" {
		probe, err = relayqueue.NewReachabilityProbe(cfg.Probe.URL, cfg.Probe.Interval, state, logger)
		if err != nil {
			logger.Fatal("failed to build reachability probe", zap.Error(err))
		}
		probe.Start()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", adminapi.NewServer(pipeline, adminapi.ServerConfig{Token: cfg.Admin.Token}))
	httpServer := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("relayqueue admin listening", zap.String("addr", cfg.Admin.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	_ = httpServer.Close()
	if probe != nil {
		probe.Close()
	}
	_ = watcher.Close()
	if err := pipeline.Close(); err != nil {
		logger.Error("pipeline shutdown failed", zap.Error(err))
	}
}
