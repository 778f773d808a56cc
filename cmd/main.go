package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"device-allocator/admission"
	"device-allocator/allocator"
	"device-allocator/cascade"
	"device-allocator/collab"
	"device-allocator/config"
	"device-allocator/coord"
	"device-allocator/health"
	"device-allocator/inventory"
	"device-allocator/metrics"
	qpubsub "device-allocator/queues/pubsub"
	"device-allocator/reconcile"
	"device-allocator/reservation"
	"device-allocator/store/memory"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Msgf("Starting device-allocator version: %s", version)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	// Preflight required configuration
	if cfg.GoogleProjectID == "" {
		log.Fatal().Msg("missing Google project id; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or ALLOCATOR_PUBSUB_PROJECT_ID")
	}

	// Context and shutdown handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics and health HTTP server
	readiness := &health.Readiness{}
	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, readiness)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting metrics/health server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	rdb := coord.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}
	cancelPing()

	agonesClient, err := inventory.NewAgonesClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create agones client")
	}

	if cfg.CredentialsFile != "" {
		log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
	} else {
		log.Info().Msg("using default Google credentials (in-cluster or ambient)")
	}
	publisher := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.EventTopicPrefix, cfg.CredentialsFile)
	defer publisher.Close()
	subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.EventTopicPrefix, cfg.SubscriptionPrefix, cfg.CredentialsFile)

	policy := collab.DefaultPolicy()
	policy.Timeout = cfg.CollaboratorTimeout
	notifier := collab.NewPubsubNotifier(publisher, cfg.NotificationTopic, policy)

	locker := coord.NewRedisLocker(rdb, cfg.LockWait)
	manager, err := allocator.NewManager(allocator.Deps{
		Repo:      memory.NewAllocations(),
		Inventory: inventory.NewAgones(agonesClient, cfg.TargetNamespace, cfg.DeviceSelector),
		Quota:     collab.NewRedisQuota(rdb, cfg.DefaultQuota, policy),
		Billing:   collab.NewPubsubBilling(publisher, cfg.BillingTopic, policy),
		Notifier:  notifier,
		Publisher: publisher,
		Locker:    locker,
		Cache:     coord.NewRedisCache(rdb),
	}, allocator.Options{
		Strategy:               cfg.Strategy,
		LockTTL:                cfg.LockTTL,
		CacheTTL:               cfg.CacheTTL,
		DefaultDurationMinutes: cfg.DefaultDurationMinutes,
		CacheNamespace:         cfg.InstanceID,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid allocator configuration")
	}
	log.Info().Str("strategy", manager.StrategyName()).Msg("allocation manager ready")

	queue := admission.New(memory.NewQueue(), manager, publisher, notifier, nil)
	reservations := reservation.New(memory.NewReservations(), manager, locker, publisher, notifier, nil)
	loop := reconcile.NewLoop(manager, queue, notifier, cfg.RetentionDays, nil)

	// jobs give up quickly on a held lock; another replica is running the tick
	scheduler := reconcile.NewScheduler(coord.NewRedisLocker(rdb, 100*time.Millisecond))
	if err := reconcile.RegisterJobs(scheduler, loop, queue, reservations); err != nil {
		log.Fatal().Err(err).Msg("failed to register reconciliation jobs")
	}
	scheduler.Start(ctx)

	handler := cascade.NewHandler(manager, queue, reservations, coord.NewRedisCounter(rdb), notifier)
	subs := handler.Subscriptions()
	go func() {
		log.Info().Int("subscriptions", len(subs)).Msg("starting lifecycle subscriber loop")
		if err := subscriber.Start(ctx, subs); err != nil && ctx.Err() == nil {
			// Non-recoverable: if we can't receive from Pub/Sub, terminate the process
			log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
		}
	}()
	readiness.SetReady(true)

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	readiness.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
