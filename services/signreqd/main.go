package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"orgsign/observability"
	"orgsign/observability/logging"
	obsmetrics "orgsign/observability/metrics"
	telemetry "orgsign/observability/otel"
	"orgsign/services/signreqd/breaker"
	"orgsign/services/signreqd/cache"
	"orgsign/services/signreqd/cleanup"
	"orgsign/services/signreqd/config"
	"orgsign/services/signreqd/mirror"
	"orgsign/services/signreqd/notify"
	"orgsign/services/signreqd/refresh"
	"orgsign/services/signreqd/resolver"
	"orgsign/services/signreqd/server"
	"orgsign/services/signreqd/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("signreqd: config error: %v", err)
	}

	logger, logCloser := logging.Setup(logging.Config{
		Service:    "signreqd",
		Env:        cfg.Env,
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("signreqd", cfg.Env))
	if err != nil {
		log.Fatalf("signreqd: init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	db, err := storage.Open(storage.Options{URL: cfg.DatabaseURL, Path: cfg.DatabasePath})
	if err != nil {
		log.Fatalf("signreqd: open storage: %v", err)
	}
	defer storage.Close(db)

	store, err := cache.New(db)
	if err != nil {
		log.Fatalf("signreqd: cache: %v", err)
	}

	metrics := observability.Signreqd()
	circuits := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CoolDown:         cfg.Breaker.CoolDown.Duration,
		OnStateChange: func(network string, from, to breaker.State) {
			metrics.SetBreakerOpen(network, to == breaker.Open)
			logger.Info("circuit state changed", "network", network, "from", from.String(), "to", to.String())
		},
	})

	mirrorClient, err := mirror.NewClient(mirror.Config{
		Endpoints:     cfg.Mirror.Endpoints,
		Timeout:       cfg.Mirror.Timeout.Duration,
		RatePerSecond: cfg.Mirror.RatePerSecond,
		Burst:         cfg.Mirror.Burst,
		Metrics:       obsmetrics.Mirror(),
	})
	if err != nil {
		log.Fatalf("signreqd: mirror client: %v", err)
	}
	refresher := refresh.NewMirrorRefresher(mirrorClient, store)
	refresher.Logger = logger

	hub := notify.NewHub(logger, cfg.Admin.AllowedOrigins...)
	publisher := notify.Multi{notify.LogPublisher{Logger: logger}, hub}

	refreshScheduler, err := refresh.NewScheduler(refresh.Config{
		Store:          store,
		Refresher:      refresher,
		Breaker:        circuits,
		Publisher:      publisher,
		Interval:       cfg.Refresh.Interval.Duration,
		StaleThreshold: cfg.Refresh.StaleThreshold.Duration,
		ReclaimTimeout: cfg.Refresh.ClaimTimeout.Duration,
		BatchSize:      cfg.Refresh.BatchSize,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		log.Fatalf("signreqd: refresh scheduler: %v", err)
	}

	cleanupScheduler, err := cleanup.NewScheduler(cleanup.Config{
		Store:    store,
		Interval: cfg.Cleanup.Interval.Duration,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf("signreqd: cleanup scheduler: %v", err)
	}

	resolverOpts := []resolver.Option{
		resolver.WithLogger(logger),
		resolver.WithMetrics(metrics),
		resolver.WithStaleLimit(cfg.Resolver.StaleLimit.Duration),
	}
	if cfg.Resolver.MissRefresh {
		resolverOpts = append(resolverOpts, resolver.WithMissRefresher(store, refresher, circuits))
	}
	res, err := resolver.New(store, resolverOpts...)
	if err != nil {
		log.Fatalf("signreqd: resolver: %v", err)
	}

	srv := server.New(server.Config{
		DB:       db,
		Resolver: res,
		Linker:   store,
		Refresh:  refreshScheduler,
		Cleanup:  cleanupScheduler,
		Breakers: circuits,
		Events:   hub,
		Auth:     server.NewAuthenticator(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer),
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database := cfg.DatabasePath
	if cfg.DatabaseURL != "" {
		database = logging.MaskDSN(cfg.DatabaseURL)
	}
	logger.Info("signreqd starting",
		"listen", cfg.ListenAddress,
		"database", database,
		"networks", cfg.Networks(),
		logging.MaskField("admin_jwt_secret", cfg.Admin.JWTSecret),
		"miss_refresh", cfg.Resolver.MissRefresh)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return refreshScheduler.Run(groupCtx) })
	group.Go(func() error { return cleanupScheduler.Run(groupCtx) })
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("signreqd stopped with error", "error", err)
		res.Wait()
		os.Exit(1)
	}
	res.Wait()
	logger.Info("signreqd stopped")
}
