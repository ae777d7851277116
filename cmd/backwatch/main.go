package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lcrespo/backwatch/internal/config"
	"github.com/lcrespo/backwatch/internal/executor"
	"github.com/lcrespo/backwatch/internal/httpapi"
	"github.com/lcrespo/backwatch/internal/logging"
	"github.com/lcrespo/backwatch/internal/notify"
	"github.com/lcrespo/backwatch/internal/observability"
	"github.com/lcrespo/backwatch/internal/track"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	persister, persistMode, err := track.NewPersister(ctx, cfg.DatabaseURL, cfg.RedisAddr)
	if err != nil {
		logger.Fatalw("snapshot persister init failed", "error", err)
	}
	defer func() { _ = persister.Close() }()
	if persistMode == "memory" {
		logger.Warnw("no durable snapshot backend configured, tracked tasks will not survive restarts")
	} else {
		logger.Infow("snapshot backend ready", "mode", persistMode)
	}

	engine := executor.New(executor.Options{
		BaseURL:       cfg.EngineBaseURL,
		Timeout:       cfg.EngineTimeout,
		SubmitRetries: cfg.EngineSubmitRetries,
	})

	hub := notify.NewHub(logger, metrics)
	sinks := notify.Fanout{notify.NewLogSink(logger), hub}
	if cfg.EmailEnabled() {
		sinks = append(sinks, notify.NewEmailSink(cfg.SendGridAPIKey, cfg.NotifyEmailFrom, cfg.NotifyEmailTo, logger))
		logger.Infow("email notifications enabled", "to", cfg.NotifyEmailTo)
	}

	defs := []struct {
		segment string
		feature string
		submit  func(context.Context, json.RawMessage) (string, error)
	}{
		{"backtests", "backtest", engine.SubmitBacktest},
		{"sweeps", "sweep", engine.SubmitSweep},
	}

	features := make(map[string]*httpapi.Feature, len(defs))
	var stores []*track.Store
	var watchers []*track.Watcher

	for _, def := range defs {
		store := track.NewStore(track.Options{
			Feature:   def.feature,
			Limit:     cfg.RetentionLimit,
			Persister: persister,
			Logger:    logger,
			Metrics:   metrics,
		})
		if err := store.Restore(ctx); err != nil {
			logger.Warnw("snapshot restore failed", "feature", def.feature, "error", err)
		} else {
			logger.Infow("tracking restored", "feature", def.feature, "tasks", store.Len(), "active", store.ActiveCount())
		}

		watcher := track.NewWatcher(track.WatcherOptions{
			Store:        store,
			Fetcher:      engine,
			Notifier:     sinks,
			Logger:       logger,
			Metrics:      metrics,
			Interval:     cfg.PollInterval,
			WarnCooldown: cfg.WarnCooldown,
		})
		store.OnChange(watcher.Kick)
		store.OnChange(func() {
			metrics.SetActiveTasks(store.Feature(), store.ActiveCount())
		})
		// Resume polling anything the snapshot left active.
		watcher.Kick()

		features[def.segment] = &httpapi.Feature{Store: store, Submit: def.submit}
		stores = append(stores, store)
		watchers = append(watchers, watcher)
	}

	api := httpapi.New(cfg, logger, metrics, hub, features, persistMode)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Infow("server listening", "addr", cfg.BindAddr, "engine", cfg.EngineBaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("listen error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	hub.Close()
	for _, w := range watchers {
		w.Close()
	}
	for _, s := range stores {
		s.Close()
	}

	logger.Infow("shutdown complete")
}
