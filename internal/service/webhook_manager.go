package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/circleback/sync-worker/internal/idempotency"
	"github.com/circleback/sync-worker/internal/models"
)

// RenewalWindow is how far ahead of channel expiration renewal happens.
// Google channels live about 7 days; renewing a day early keeps a failed
// renewal sweep from silencing push notifications.
const RenewalWindow = 24 * time.Hour

// RegistrationError wraps a failed channel registration. Callers retry it
// through the retry engine.
type RegistrationError struct {
	AccountID string
	Err       error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register webhook channel for account %s: %v", e.AccountID, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// NotificationOutcome is the disposition of one inbound push notification.
type NotificationOutcome string

const (
	NotificationAccepted  NotificationOutcome = "accepted"
	NotificationHandshake NotificationOutcome = "handshake"
	NotificationIgnored   NotificationOutcome = "ignored"
)

// ChannelProvider is the provider surface the webhook manager drives.
type ChannelProvider interface {
	Watch(ctx context.Context, accessToken, accountID, verificationToken string) (*ChannelInfo, error)
	Stop(ctx context.Context, accessToken, channelID, resourceID string) error
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// SubscriptionStore interface for webhook subscription persistence
type SubscriptionStore interface {
	GetByAccount(ctx context.Context, accountID string) (*models.WebhookSubscription, error)
	GetByChannelID(ctx context.Context, channelID string) (*models.WebhookSubscription, error)
	Upsert(ctx context.Context, sub *models.WebhookSubscription) error
	Delete(ctx context.Context, accountID string) error
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]models.WebhookSubscription, error)
}

// EventRecorder appends webhook audit rows
type EventRecorder interface {
	Create(ctx context.Context, event models.WebhookEvent) error
}

// SyncTrigger lets a verified notification short-circuit the schedule
type SyncTrigger interface {
	TriggerNow(ctx context.Context, accountID string, integration models.IntegrationType, syncType models.SyncType) error
}

// WebhookManager registers, renews, and validates push-notification channels
// and turns verified notifications into sync triggers.
type WebhookManager struct {
	subs     SubscriptionStore
	events   EventRecorder
	accounts AccountStore
	provider ChannelProvider
	trigger  SyncTrigger
	idem     idempotency.Store
	now      func() time.Time
}

func NewWebhookManager(
	subs SubscriptionStore,
	events EventRecorder,
	accounts AccountStore,
	provider ChannelProvider,
	trigger SyncTrigger,
	idem idempotency.Store,
) *WebhookManager {
	return &WebhookManager{
		subs:     subs,
		events:   events,
		accounts: accounts,
		provider: provider,
		trigger:  trigger,
		idem:     idem,
		now:      time.Now,
	}
}

// Register opens a fresh push channel for the account and persists it as the
// account's single active subscription. Any previous channel is stopped
// best-effort first.
func (m *WebhookManager) Register(ctx context.Context, accountID string) (*models.WebhookSubscription, error) {
	accessToken, err := m.accessToken(ctx, accountID)
	if err != nil {
		return nil, &RegistrationError{AccountID: accountID, Err: err}
	}

	existing, err := m.subs.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, &RegistrationError{AccountID: accountID, Err: err}
	}
	if existing != nil {
		if err := m.provider.Stop(ctx, accessToken, existing.ChannelID, existing.ResourceID); err != nil {
			log.Printf("Failed to stop previous channel %s for account %s: %v", existing.ChannelID, accountID, err)
		}
	}

	verificationToken := uuid.New().String()
	info, err := m.provider.Watch(ctx, accessToken, accountID, verificationToken)
	if err != nil {
		return nil, &RegistrationError{AccountID: accountID, Err: err}
	}

	now := m.now()
	sub := &models.WebhookSubscription{
		ID:                uuid.New().String(),
		AccountID:         accountID,
		Integration:       models.IntegrationCalendar,
		ChannelID:         info.ChannelID,
		ResourceID:        info.ResourceID,
		ResourceURI:       info.ResourceURI,
		VerificationToken: verificationToken,
		Expiration:        info.Expiration,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.subs.Upsert(ctx, sub); err != nil {
		return nil, &RegistrationError{AccountID: accountID, Err: err}
	}

	log.Printf("Registered webhook channel %s for account %s (expires %s)",
		sub.ChannelID, accountID, sub.Expiration.Format(time.RFC3339))
	return sub, nil
}

// RenewIfExpiringSoon replaces the subscription when it expires within the
// renewal window. Subscriptions with plenty of life left are untouched.
func (m *WebhookManager) RenewIfExpiringSoon(ctx context.Context, sub models.WebhookSubscription, window time.Duration) error {
	if sub.Expiration.Sub(m.now()) >= window {
		return nil
	}
	log.Printf("Renewing webhook channel %s for account %s (expires %s)",
		sub.ChannelID, sub.AccountID, sub.Expiration.Format(time.RFC3339))
	_, err := m.Register(ctx, sub.AccountID)
	return err
}

// RenewExpiring sweeps all subscriptions inside the renewal window. Called
// from the watcher on a timer.
func (m *WebhookManager) RenewExpiring(ctx context.Context) error {
	subs, err := m.subs.ListExpiringBefore(ctx, m.now().Add(RenewalWindow))
	if err != nil {
		return fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}

	for _, sub := range subs {
		if err := m.RenewIfExpiringSoon(ctx, sub, RenewalWindow); err != nil {
			log.Printf("Failed to renew channel %s for account %s: %v", sub.ChannelID, sub.AccountID, err)
		}
	}
	return nil
}

// HandleNotification validates an inbound push notification and, when it is
// genuine and reports a real change, triggers an immediate sync. Every
// notification is recorded in the audit log regardless of disposition. The
// provider retries deliveries, so a message number it has already delivered
// is deduplicated instead of triggering a second sync.
func (m *WebhookManager) HandleNotification(ctx context.Context, channelID, resourceID, resourceState, verificationToken, messageNumber string) (NotificationOutcome, error) {
	sub, err := m.subs.GetByChannelID(ctx, channelID)
	if err != nil {
		m.recordEvent(ctx, channelID, resourceID, resourceState, models.WebhookEventFailure, err.Error())
		return "", fmt.Errorf("failed to look up subscription: %w", err)
	}

	if sub == nil {
		m.recordEvent(ctx, channelID, resourceID, resourceState, models.WebhookEventIgnored, "unknown channel")
		return NotificationIgnored, nil
	}
	if m.now().After(sub.Expiration) {
		m.recordEvent(ctx, channelID, resourceID, resourceState, models.WebhookEventIgnored, "subscription expired")
		// Drop the dead row so the onboarding sweep registers a fresh
		// channel for the account.
		if err := m.subs.Delete(ctx, sub.AccountID); err != nil {
			log.Printf("Failed to delete expired subscription for account %s: %v", sub.AccountID, err)
		}
		return NotificationIgnored, nil
	}
	if verificationToken != sub.VerificationToken {
		m.recordEvent(ctx, channelID, resourceID, resourceState, models.WebhookEventIgnored, "verification token mismatch")
		return NotificationIgnored, nil
	}

	// The provider sends resourceState "sync" once as a channel handshake;
	// it carries no change.
	if resourceState == "sync" {
		m.recordEvent(ctx, channelID, resourceID, resourceState, models.WebhookEventSuccess, "channel handshake")
		return NotificationHandshake, nil
	}

	triggerKey := idempotency.SyncTriggerKey(channelID, messageNumber)
	if messageNumber != "" {
		if _, seen, err := m.idem.Check(ctx, triggerKey); err != nil {
			log.Printf("Idempotency check failed for %s, proceeding: %v", triggerKey, err)
		} else if seen {
			m.recordEvent(ctx, channelID, resourceID, resourceState, models.WebhookEventIgnored, "duplicate delivery")
			return NotificationIgnored, nil
		}
	}

	if err := m.trigger.TriggerNow(ctx, sub.AccountID, sub.Integration, models.SyncTypeWebhookTriggered); err != nil {
		m.recordEvent(ctx, channelID, resourceID, resourceState, models.WebhookEventFailure, err.Error())
		return "", fmt.Errorf("failed to trigger sync: %w", err)
	}

	if messageNumber != "" {
		if err := m.idem.Store(ctx, triggerKey, []byte(`"triggered"`)); err != nil {
			log.Printf("Failed to record delivery %s: %v", triggerKey, err)
		}
	}

	m.recordEvent(ctx, channelID, resourceID, resourceState, models.WebhookEventSuccess, "")
	return NotificationAccepted, nil
}

func (m *WebhookManager) recordEvent(ctx context.Context, channelID, resourceID, resourceState string, result models.WebhookEventResult, detail string) {
	event := models.WebhookEvent{
		ID:            uuid.New().String(),
		ChannelID:     channelID,
		ResourceID:    resourceID,
		ResourceState: resourceState,
		Result:        result,
		CreatedAt:     m.now(),
	}
	if detail != "" {
		event.Detail = &detail
	}
	if err := m.events.Create(ctx, event); err != nil {
		log.Printf("Failed to record webhook event for channel %s: %v", channelID, err)
	}
}

// accessToken loads the account's access token, refreshing when expired.
func (m *WebhookManager) accessToken(ctx context.Context, accountID string) (string, error) {
	account, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("failed to get account: %w", err)
	}
	if account.AccessToken == nil || account.RefreshToken == nil {
		return "", fmt.Errorf("account missing tokens")
	}

	if account.AccessTokenExpiresAt != nil && m.now().Add(5*time.Minute).Before(*account.AccessTokenExpiresAt) {
		return *account.AccessToken, nil
	}

	result, err := m.provider.RefreshAccessToken(ctx, *account.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	if err := m.accounts.UpdateTokens(ctx, accountID, result.AccessToken, result.RefreshToken, result.ExpiresAt); err != nil {
		return "", fmt.Errorf("failed to update tokens: %w", err)
	}
	return result.AccessToken, nil
}
