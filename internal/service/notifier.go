package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/circleback/sync-worker/internal/idempotency"
	"github.com/circleback/sync-worker/internal/models"
	"github.com/circleback/sync-worker/internal/ratelimit"
)

// NotificationStore interface for notification persistence
type NotificationStore interface {
	HasUnresolved(ctx context.Context, accountID string, kind models.NotificationKind, integration models.IntegrationType) (bool, error)
	Create(ctx context.Context, n models.Notification) error
	ResolveAll(ctx context.Context, accountID string, kind models.NotificationKind, integration models.IntegrationType) error
}

// SMSSender delivers a text message to the account's phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, accountID, message string) error
}

// EmailSender delivers an email to the account's address.
type EmailSender interface {
	SendEmail(ctx context.Context, accountID, subject, body string) error
}

// Notifier raises user-facing alerts over SMS and email. Deliveries are
// deduplicated three ways: an unresolved alert of the same kind suppresses new
// ones, each delivery runs under a deterministic idempotency key, and each
// channel has its own rate policy.
type Notifier struct {
	store NotificationStore
	idem  idempotency.Store
	rate  RateGate
	sms   SMSSender
	email EmailSender
}

func NewNotifier(store NotificationStore, idem idempotency.Store, rate RateGate, sms SMSSender, email EmailSender) *Notifier {
	return &Notifier{
		store: store,
		idem:  idem,
		rate:  rate,
		sms:   sms,
		email: email,
	}
}

// RaiseTokenAlert tells the user their token stopped working and syncing is
// paused. Implements the scheduler's alerter contract.
func (n *Notifier) RaiseTokenAlert(ctx context.Context, accountID string, integration models.IntegrationType, reason string) error {
	unresolved, err := n.store.HasUnresolved(ctx, accountID, models.NotificationTokenHealth, integration)
	if err != nil {
		return fmt.Errorf("failed to check unresolved alerts: %w", err)
	}
	if unresolved {
		return nil
	}

	message := fmt.Sprintf("Your %s connection needs attention: %s. Please reconnect to resume syncing.", integration, reason)
	eventID := fmt.Sprintf("%s:%s", models.NotificationTokenHealth, integration)

	n.deliver(ctx, accountID, integration, models.ChannelSMS, eventID, message)
	n.deliver(ctx, accountID, integration, models.ChannelEmail, eventID, message)
	return nil
}

// ResolveTokenAlerts clears open token alerts after the user reconnects.
func (n *Notifier) ResolveTokenAlerts(ctx context.Context, accountID string, integration models.IntegrationType) error {
	return n.store.ResolveAll(ctx, accountID, models.NotificationTokenHealth, integration)
}

// deliver sends on one channel, at most once per (account, event, channel) and
// within the channel's rate budget. Delivery failures are logged, not
// propagated: a dead SMS gateway must not block the email leg.
func (n *Notifier) deliver(ctx context.Context, accountID string, integration models.IntegrationType, channel models.NotificationChannel, eventID, message string) {
	key := idempotency.NotificationKey(accountID, eventID, string(channel))

	_, err := idempotency.RunIdempotent(ctx, n.idem, key, func(ctx context.Context) (string, error) {
		decision := n.rate.Acquire(ctx, policyFor(channel), accountID)
		if !decision.Allowed {
			return "", fmt.Errorf("%s delivery rate limited, retry after %s", channel, decision.RetryAfter)
		}

		if err := n.send(ctx, accountID, channel, message); err != nil {
			return "", err
		}

		record := models.Notification{
			ID:          uuid.New().String(),
			AccountID:   accountID,
			Kind:        models.NotificationTokenHealth,
			Integration: integration,
			Channel:     channel,
			Message:     message,
			CreatedAt:   time.Now(),
		}
		if err := n.store.Create(ctx, record); err != nil {
			log.Printf("Failed to persist %s notification for account %s: %v", channel, accountID, err)
		}
		return record.ID, nil
	})
	if err != nil {
		log.Printf("Failed to deliver %s alert to account %s: %v", channel, accountID, err)
	}
}

func (n *Notifier) send(ctx context.Context, accountID string, channel models.NotificationChannel, message string) error {
	switch channel {
	case models.ChannelSMS:
		if n.sms == nil {
			return fmt.Errorf("no SMS sender configured")
		}
		return n.sms.SendSMS(ctx, accountID, message)
	case models.ChannelEmail:
		if n.email == nil {
			return fmt.Errorf("no email sender configured")
		}
		return n.email.SendEmail(ctx, accountID, "Sync connection needs attention", message)
	default:
		return fmt.Errorf("unknown channel: %s", channel)
	}
}

func policyFor(channel models.NotificationChannel) ratelimit.Policy {
	if channel == models.ChannelSMS {
		return ratelimit.PolicySMS
	}
	return ratelimit.PolicyEmail
}
