package watcher

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/circleback/sync-worker/internal/idempotency"
	"github.com/circleback/sync-worker/internal/models"
)

// StaleRunningCutoff is how long a schedule may sit in running before the
// recovery job assumes its worker died and returns it to idle.
const StaleRunningCutoff = 30 * time.Minute

// DueRunner is the scheduler surface the watcher drives.
type DueRunner interface {
	RunDue(ctx context.Context) error
	EnsureSchedule(ctx context.Context, accountID string, integration models.IntegrationType) error
}

// AccountLister lists accounts with usable refresh tokens.
type AccountLister interface {
	ListConnected(ctx context.Context) ([]models.Account, error)
}

// SubscriptionChecker looks up an account's active push channel.
type SubscriptionChecker interface {
	GetByAccount(ctx context.Context, accountID string) (*models.WebhookSubscription, error)
}

// ChannelManager registers and renews push channels.
type ChannelManager interface {
	Register(ctx context.Context, accountID string) (*models.WebhookSubscription, error)
	RenewExpiring(ctx context.Context) error
}

// StaleResetter recovers schedules stuck in running.
type StaleResetter interface {
	ResetStaleRunning(ctx context.Context, cutoff time.Time) (int64, error)
}

// Watcher owns the worker's background jobs: claiming due syncs, onboarding
// newly connected accounts, renewing push channels, sweeping expired
// idempotency keys, and recovering stale running schedules.
type Watcher struct {
	cron         *cron.Cron
	scheduler    DueRunner
	accounts     AccountLister
	subs         SubscriptionChecker
	channels     ChannelManager
	idem         idempotency.Store
	schedules    StaleResetter
	pollInterval time.Duration
}

func New(
	scheduler DueRunner,
	accounts AccountLister,
	subs SubscriptionChecker,
	channels ChannelManager,
	idem idempotency.Store,
	schedules StaleResetter,
	pollInterval time.Duration,
) *Watcher {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Watcher{
		cron:         cron.New(),
		scheduler:    scheduler,
		accounts:     accounts,
		subs:         subs,
		channels:     channels,
		idem:         idem,
		schedules:    schedules,
		pollInterval: pollInterval,
	}
}

// Start registers the jobs and begins the cron loop.
func (w *Watcher) Start(ctx context.Context) error {
	log.Println("Starting sync watcher...")

	jobs := []struct {
		spec string
		fn   func()
	}{
		{"@every " + w.pollInterval.String(), func() { w.runDue(ctx) }},
		{"@every 5m", func() { w.onboardAccounts(ctx) }},
		{"@every 1h", func() { w.renewChannels(ctx) }},
		{"@every 1h", func() { w.sweepIdempotencyKeys(ctx) }},
		{"@every 10m", func() { w.recoverStaleSchedules(ctx) }},
	}
	for _, job := range jobs {
		if _, err := w.cron.AddFunc(job.spec, job.fn); err != nil {
			return err
		}
	}

	// Run the onboarding pass once at startup so new deployments do not wait
	// for the first tick.
	w.onboardAccounts(ctx)

	w.cron.Start()
	log.Println("Sync watcher started")
	return nil
}

// Stop gracefully shuts down the watcher, waiting for running jobs.
func (w *Watcher) Stop() {
	log.Println("Stopping sync watcher...")
	ctx := w.cron.Stop()
	<-ctx.Done()
	log.Println("Sync watcher stopped")
}

func (w *Watcher) runDue(ctx context.Context) {
	if err := w.scheduler.RunDue(ctx); err != nil {
		log.Printf("Due sync pass failed: %v", err)
	}
}

// onboardAccounts makes sure every connected account has its schedules and a
// push channel. Safe to run repeatedly.
func (w *Watcher) onboardAccounts(ctx context.Context) {
	accounts, err := w.accounts.ListConnected(ctx)
	if err != nil {
		log.Printf("Failed to list connected accounts: %v", err)
		return
	}

	for _, account := range accounts {
		for _, integration := range []models.IntegrationType{models.IntegrationContacts, models.IntegrationCalendar} {
			if err := w.scheduler.EnsureSchedule(ctx, account.ID, integration); err != nil {
				log.Printf("Failed to ensure %s schedule for account %s: %v", integration, account.ID, err)
			}
		}

		sub, err := w.subs.GetByAccount(ctx, account.ID)
		if err != nil {
			log.Printf("Failed to check subscription for account %s: %v", account.ID, err)
			continue
		}
		if sub == nil {
			if _, err := w.channels.Register(ctx, account.ID); err != nil {
				log.Printf("Failed to register push channel for account %s: %v", account.ID, err)
			}
		}
	}
}

func (w *Watcher) renewChannels(ctx context.Context) {
	if err := w.channels.RenewExpiring(ctx); err != nil {
		log.Printf("Channel renewal sweep failed: %v", err)
	}
}

func (w *Watcher) sweepIdempotencyKeys(ctx context.Context) {
	removed, err := w.idem.Sweep(ctx)
	if err != nil {
		log.Printf("Idempotency key sweep failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("Swept %d expired idempotency key(s)", removed)
	}
}

func (w *Watcher) recoverStaleSchedules(ctx context.Context) {
	recovered, err := w.schedules.ResetStaleRunning(ctx, time.Now().Add(-StaleRunningCutoff))
	if err != nil {
		log.Printf("Stale schedule recovery failed: %v", err)
		return
	}
	if recovered > 0 {
		log.Printf("Recovered %d stale running schedule(s)", recovered)
	}
}
