package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/circleback/sync-worker/internal/breaker"
	"github.com/circleback/sync-worker/internal/config"
	"github.com/circleback/sync-worker/internal/database"
	"github.com/circleback/sync-worker/internal/google"
	"github.com/circleback/sync-worker/internal/locking"
	"github.com/circleback/sync-worker/internal/metrics"
	"github.com/circleback/sync-worker/internal/notify"
	"github.com/circleback/sync-worker/internal/ratelimit"
	"github.com/circleback/sync-worker/internal/repository"
	"github.com/circleback/sync-worker/internal/server"
	"github.com/circleback/sync-worker/internal/service"
	"github.com/circleback/sync-worker/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	log.Println("Database connected successfully")

	// Run migrations
	log.Println("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	log.Println("Migrations completed successfully")

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	scheduleRepo := repository.NewSyncScheduleRepository(sqlDB)
	breakerRepo := repository.NewCircuitBreakerRepository(sqlDB)
	tokenRepo := repository.NewTokenHealthRepository(sqlDB)
	subscriptionRepo := repository.NewWebhookSubscriptionRepository(sqlDB)
	eventRepo := repository.NewWebhookEventRepository(sqlDB)
	metricRepo := repository.NewSyncMetricRepository(sqlDB)
	idempotencyRepo := repository.NewIdempotencyKeyRepository(sqlDB)
	proposalRepo := repository.NewProposalRepository(sqlDB)
	notificationRepo := repository.NewNotificationRepository(sqlDB)

	// Initialize resilience components
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore())
	circuitBreaker := breaker.New(breakerRepo, breaker.DefaultConfig())
	locker := locking.NewLocker(locking.NewPostgresProvider(sqlDB))
	recorder := metrics.NewRecorder(metricRepo)

	// Initialize Google client
	googleClient := google.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.WebhookCallbackURL)

	// Initialize services
	sender := notify.NewLogSender()
	notifier := service.NewNotifier(notificationRepo, idempotencyRepo, limiter, sender, sender)

	schedulerCfg := service.DefaultSchedulerConfig()
	schedulerCfg.RetryPolicy.MaxRetries = cfg.MaxRetries
	scheduler := service.NewSyncScheduler(
		schedulerCfg,
		scheduleRepo, accountRepo, tokenRepo, recorder, circuitBreaker, limiter, googleClient, notifier,
	)
	webhooks := service.NewWebhookManager(subscriptionRepo, eventRepo, accountRepo, googleClient, scheduler, idempotencyRepo)
	proposals := service.NewProposalService(proposalRepo, locker)

	// Initialize watcher and HTTP server
	w := watcher.New(scheduler, accountRepo, subscriptionRepo, webhooks, idempotencyRepo, scheduleRepo,
		time.Duration(cfg.PollInterval)*time.Second)
	srv := server.New(cfg.HTTPAddr, webhooks, scheduler, metricRepo, proposals, limiter)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := w.Start(ctx); err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Println("Shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}
		w.Stop()

		log.Println("Application stopped")
		return nil

	case err := <-errChan:
		w.Stop()
		return err
	}
}
