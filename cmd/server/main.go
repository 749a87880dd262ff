package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"brea/server/config"
	"brea/server/internal/adapter"
	"brea/server/internal/api"
	"brea/server/internal/coordinator"
	"brea/server/internal/database"
	"brea/server/internal/history"
	"brea/server/internal/images"
	"brea/server/internal/scheduler"
	"brea/server/internal/scraping"
	"brea/server/internal/telegram"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
	}

	logger.WithField("path", cfg.Database.Path).Info("Using database")
	db, err := database.Open(database.Options{
		Path:          cfg.Database.Path,
		MaxOpenConns:  cfg.Database.MaxOpenConns,
		BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	migrator, err := database.NewMigrator(db, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load migrations")
	}
	if cfg.Database.AutoMigrate {
		logger.Info("Running database migrations...")
		if err := migrator.Migrate(context.Background(), 0); err != nil {
			logger.WithError(err).Fatal("Failed to run database migrations")
		}
	}

	engine := history.NewEngine(db, history.RetentionPolicy{
		MaxEntries: cfg.History.MaxEntries,
		Window:     cfg.History.Window,
	}, logger)
	store := database.NewStore(db, engine, cfg.Absence.Threshold, logger)

	adapters := []adapter.Adapter{adapter.NewArgenprop(cfg.Scrape.ArgenpropBaseURL)}
	if cfg.Scrape.CSVFeedBaseURL != "" {
		adapters = append(adapters, adapter.NewCSVFeed(cfg.Scrape.CSVFeedBaseURL))
	}
	registry, err := adapter.NewRegistry(adapters...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to register source adapters")
	}

	imageService := images.NewService(cfg, db, nil, logger)
	if err := imageService.Load(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to load image fingerprints")
	}
	imageCtx, stopImages := context.WithCancel(context.Background())
	imageService.Start(imageCtx)

	fetcher := coordinator.NewFetcher(cfg, nil, logger)
	coord := coordinator.New(cfg, registry, store, fetcher, imageService, logger)
	runs := scraping.NewRunManager(coord, store, logger)
	if notifier := telegram.NewService(cfg, nil, logger); notifier.Enabled() {
		runs.SetNotifier(notifier)
		logger.Info("Telegram run notifications enabled")
	}

	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		if err := config.LoadScopes(cfg.Schedule.ScopesFile); err != nil {
			logger.WithError(err).Fatal("Failed to load scrape scopes")
		}
		sched = scheduler.NewScheduler(cfg, runs, store, engine, logger)
		sched.Start()
		logger.WithFields(logrus.Fields{
			"interval": cfg.Schedule.Interval.String(),
			"scopes":   len(config.GetScopes()),
		}).Info("Scheduler started")
	}

	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(store, engine, imageService, runs, migrator, registry, logger)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting server on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
	if sched != nil {
		sched.Stop()
	}
	runs.Shutdown()
	imageService.Stop()
	stopImages()
	logger.Info("Server stopped")
}
