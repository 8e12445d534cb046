package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/circleback/sync-worker/internal/idempotency"
	"github.com/circleback/sync-worker/internal/models"
)

type mockSubscriptionStore struct {
	GetByAccountFunc       func(ctx context.Context, accountID string) (*models.WebhookSubscription, error)
	GetByChannelIDFunc     func(ctx context.Context, channelID string) (*models.WebhookSubscription, error)
	UpsertFunc             func(ctx context.Context, sub *models.WebhookSubscription) error
	DeleteFunc             func(ctx context.Context, accountID string) error
	ListExpiringBeforeFunc func(ctx context.Context, cutoff time.Time) ([]models.WebhookSubscription, error)
}

func (m *mockSubscriptionStore) GetByAccount(ctx context.Context, accountID string) (*models.WebhookSubscription, error) {
	if m.GetByAccountFunc != nil {
		return m.GetByAccountFunc(ctx, accountID)
	}
	return nil, nil
}

func (m *mockSubscriptionStore) GetByChannelID(ctx context.Context, channelID string) (*models.WebhookSubscription, error) {
	return m.GetByChannelIDFunc(ctx, channelID)
}

func (m *mockSubscriptionStore) Upsert(ctx context.Context, sub *models.WebhookSubscription) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, sub)
	}
	return nil
}

func (m *mockSubscriptionStore) Delete(ctx context.Context, accountID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, accountID)
	}
	return nil
}

func (m *mockSubscriptionStore) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]models.WebhookSubscription, error) {
	return m.ListExpiringBeforeFunc(ctx, cutoff)
}

type mockEventRecorder struct {
	events []models.WebhookEvent
}

func (m *mockEventRecorder) Create(ctx context.Context, event models.WebhookEvent) error {
	m.events = append(m.events, event)
	return nil
}

type mockChannelProvider struct {
	WatchFunc   func(ctx context.Context, accessToken, accountID, verificationToken string) (*ChannelInfo, error)
	StopFunc    func(ctx context.Context, accessToken, channelID, resourceID string) error
	stopCalls   int
	lastStopped string
}

func (m *mockChannelProvider) Watch(ctx context.Context, accessToken, accountID, verificationToken string) (*ChannelInfo, error) {
	return m.WatchFunc(ctx, accessToken, accountID, verificationToken)
}

func (m *mockChannelProvider) Stop(ctx context.Context, accessToken, channelID, resourceID string) error {
	m.stopCalls++
	m.lastStopped = channelID
	if m.StopFunc != nil {
		return m.StopFunc(ctx, accessToken, channelID, resourceID)
	}
	return nil
}

func (m *mockChannelProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
	return nil, errors.New("refresh not configured")
}

type mockSyncTrigger struct {
	TriggerNowFunc func(ctx context.Context, accountID string, integration models.IntegrationType, syncType models.SyncType) error
	calls          int
}

func (m *mockSyncTrigger) TriggerNow(ctx context.Context, accountID string, integration models.IntegrationType, syncType models.SyncType) error {
	m.calls++
	if m.TriggerNowFunc != nil {
		return m.TriggerNowFunc(ctx, accountID, integration, syncType)
	}
	return nil
}

func activeSubscription() *models.WebhookSubscription {
	return &models.WebhookSubscription{
		ID:                "sub-1",
		AccountID:         "acc-1",
		Integration:       models.IntegrationCalendar,
		ChannelID:         "chan-1",
		ResourceID:        "res-1",
		VerificationToken: "secret-token",
		Expiration:        time.Now().Add(48 * time.Hour),
	}
}

func newWebhookFixture() (*WebhookManager, *mockSubscriptionStore, *mockEventRecorder, *mockChannelProvider, *mockSyncTrigger) {
	subs := &mockSubscriptionStore{}
	events := &mockEventRecorder{}
	provider := &mockChannelProvider{}
	trigger := &mockSyncTrigger{}
	accounts := &mockAccountStore{
		GetByIDFunc: func(ctx context.Context, accountID string) (*models.Account, error) {
			return validAccount(time.Now().Add(time.Hour)), nil
		},
	}
	m := NewWebhookManager(subs, events, accounts, provider, trigger, idempotency.NewMemoryStore(64))
	return m, subs, events, provider, trigger
}

func TestRegisterStopsPreviousChannel(t *testing.T) {
	m, subs, _, provider, _ := newWebhookFixture()
	ctx := context.Background()

	old := activeSubscription()
	subs.GetByAccountFunc = func(ctx context.Context, accountID string) (*models.WebhookSubscription, error) {
		return old, nil
	}

	var upserted *models.WebhookSubscription
	subs.UpsertFunc = func(ctx context.Context, sub *models.WebhookSubscription) error {
		upserted = sub
		return nil
	}

	provider.WatchFunc = func(ctx context.Context, accessToken, accountID, verificationToken string) (*ChannelInfo, error) {
		if verificationToken == "" {
			t.Error("Expected a verification token to be generated")
		}
		return &ChannelInfo{
			ChannelID:  "chan-2",
			ResourceID: "res-2",
			Expiration: time.Now().Add(7 * 24 * time.Hour),
		}, nil
	}

	sub, err := m.Register(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if provider.stopCalls != 1 || provider.lastStopped != "chan-1" {
		t.Errorf("Expected old channel chan-1 stopped once, got %d calls (last %s)",
			provider.stopCalls, provider.lastStopped)
	}
	if sub.ChannelID != "chan-2" {
		t.Errorf("Expected new channel chan-2, got %s", sub.ChannelID)
	}
	if upserted == nil || upserted.AccountID != "acc-1" {
		t.Error("Expected new subscription upserted for acc-1")
	}
	if sub.VerificationToken == "" {
		t.Error("Expected verification token persisted")
	}
}

func TestRegisterWatchFailure(t *testing.T) {
	m, _, _, provider, _ := newWebhookFixture()
	ctx := context.Background()

	provider.WatchFunc = func(ctx context.Context, accessToken, accountID, verificationToken string) (*ChannelInfo, error) {
		return nil, errors.New("quota exceeded")
	}

	_, err := m.Register(ctx, "acc-1")
	if err == nil {
		t.Fatal("Expected error from failed watch")
	}
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("Expected RegistrationError, got %T", err)
	}
	if regErr.AccountID != "acc-1" {
		t.Errorf("Expected account acc-1 in error, got %s", regErr.AccountID)
	}
}

func TestRenewSkipsSubscriptionWithLifeLeft(t *testing.T) {
	m, _, _, provider, _ := newWebhookFixture()
	ctx := context.Background()

	provider.WatchFunc = func(ctx context.Context, accessToken, accountID, verificationToken string) (*ChannelInfo, error) {
		t.Fatal("Watch should not be called for a healthy subscription")
		return nil, nil
	}

	sub := activeSubscription()
	if err := m.RenewIfExpiringSoon(ctx, *sub, RenewalWindow); err != nil {
		t.Fatalf("RenewIfExpiringSoon failed: %v", err)
	}
}

func TestRenewReplacesExpiringSubscription(t *testing.T) {
	m, subs, _, provider, _ := newWebhookFixture()
	ctx := context.Background()

	sub := activeSubscription()
	sub.Expiration = time.Now().Add(6 * time.Hour)
	subs.GetByAccountFunc = func(ctx context.Context, accountID string) (*models.WebhookSubscription, error) {
		return sub, nil
	}

	watched := false
	provider.WatchFunc = func(ctx context.Context, accessToken, accountID, verificationToken string) (*ChannelInfo, error) {
		watched = true
		return &ChannelInfo{ChannelID: "chan-2", Expiration: time.Now().Add(7 * 24 * time.Hour)}, nil
	}

	if err := m.RenewIfExpiringSoon(ctx, *sub, RenewalWindow); err != nil {
		t.Fatalf("RenewIfExpiringSoon failed: %v", err)
	}
	if !watched {
		t.Error("Expected a new channel to be opened")
	}
}

func TestHandleNotificationTriggersSync(t *testing.T) {
	m, subs, events, _, trigger := newWebhookFixture()
	ctx := context.Background()

	sub := activeSubscription()
	subs.GetByChannelIDFunc = func(ctx context.Context, channelID string) (*models.WebhookSubscription, error) {
		return sub, nil
	}

	outcome, err := m.HandleNotification(ctx, "chan-1", "res-1", "exists", "secret-token", "1")
	if err != nil {
		t.Fatalf("HandleNotification failed: %v", err)
	}
	if outcome != NotificationAccepted {
		t.Errorf("Expected accepted outcome, got %s", outcome)
	}
	if trigger.calls != 1 {
		t.Errorf("Expected 1 sync trigger, got %d", trigger.calls)
	}
	if len(events.events) != 1 || events.events[0].Result != models.WebhookEventSuccess {
		t.Errorf("Expected one success audit event, got %+v", events.events)
	}
}

func TestHandleNotificationDeduplicatesRedelivery(t *testing.T) {
	m, subs, events, _, trigger := newWebhookFixture()
	ctx := context.Background()

	sub := activeSubscription()
	subs.GetByChannelIDFunc = func(ctx context.Context, channelID string) (*models.WebhookSubscription, error) {
		return sub, nil
	}

	outcome, err := m.HandleNotification(ctx, "chan-1", "res-1", "exists", "secret-token", "7")
	if err != nil {
		t.Fatalf("HandleNotification failed: %v", err)
	}
	if outcome != NotificationAccepted {
		t.Fatalf("Expected first delivery accepted, got %s", outcome)
	}

	// Redelivery of the same message number must not trigger another sync.
	outcome, err = m.HandleNotification(ctx, "chan-1", "res-1", "exists", "secret-token", "7")
	if err != nil {
		t.Fatalf("HandleNotification failed on redelivery: %v", err)
	}
	if outcome != NotificationIgnored {
		t.Errorf("Expected redelivery ignored, got %s", outcome)
	}
	if trigger.calls != 1 {
		t.Errorf("Expected 1 sync trigger across duplicate deliveries, got %d", trigger.calls)
	}

	// A new message number triggers again.
	if _, err := m.HandleNotification(ctx, "chan-1", "res-1", "exists", "secret-token", "8"); err != nil {
		t.Fatalf("HandleNotification failed: %v", err)
	}
	if trigger.calls != 2 {
		t.Errorf("Expected a second trigger for the next message, got %d", trigger.calls)
	}
	if len(events.events) != 3 || events.events[1].Result != models.WebhookEventIgnored {
		t.Errorf("Expected the redelivery audited as ignored, got %+v", events.events)
	}
}

func TestHandleNotificationExpiredSubscriptionDeleted(t *testing.T) {
	m, subs, _, _, trigger := newWebhookFixture()

	sub := activeSubscription()
	sub.Expiration = time.Now().Add(-time.Hour)
	subs.GetByChannelIDFunc = func(ctx context.Context, channelID string) (*models.WebhookSubscription, error) {
		return sub, nil
	}

	var deletedAccount string
	subs.DeleteFunc = func(ctx context.Context, accountID string) error {
		deletedAccount = accountID
		return nil
	}

	outcome, err := m.HandleNotification(context.Background(), "chan-1", "res-1", "exists", "secret-token", "1")
	if err != nil {
		t.Fatalf("HandleNotification failed: %v", err)
	}
	if outcome != NotificationIgnored {
		t.Errorf("Expected ignored outcome, got %s", outcome)
	}
	if deletedAccount != "acc-1" {
		t.Errorf("Expected expired subscription deleted for acc-1, got %q", deletedAccount)
	}
	if trigger.calls != 0 {
		t.Errorf("Expected no sync trigger, got %d", trigger.calls)
	}
}

func TestHandleNotificationHandshakeDoesNotTrigger(t *testing.T) {
	m, subs, events, _, trigger := newWebhookFixture()
	ctx := context.Background()

	sub := activeSubscription()
	subs.GetByChannelIDFunc = func(ctx context.Context, channelID string) (*models.WebhookSubscription, error) {
		return sub, nil
	}

	outcome, err := m.HandleNotification(ctx, "chan-1", "res-1", "sync", "secret-token", "1")
	if err != nil {
		t.Fatalf("HandleNotification failed: %v", err)
	}
	if outcome != NotificationHandshake {
		t.Errorf("Expected handshake outcome, got %s", outcome)
	}
	if trigger.calls != 0 {
		t.Errorf("Expected no sync trigger for handshake, got %d", trigger.calls)
	}
	if len(events.events) != 1 || events.events[0].Result != models.WebhookEventSuccess {
		t.Errorf("Expected handshake audited as success, got %+v", events.events)
	}
}

func TestHandleNotificationRejections(t *testing.T) {
	tests := []struct {
		name  string
		sub   func() *models.WebhookSubscription
		token string
	}{
		{
			name:  "unknown channel",
			sub:   func() *models.WebhookSubscription { return nil },
			token: "secret-token",
		},
		{
			name: "expired subscription",
			sub: func() *models.WebhookSubscription {
				s := activeSubscription()
				s.Expiration = time.Now().Add(-time.Hour)
				return s
			},
			token: "secret-token",
		},
		{
			name:  "token mismatch",
			sub:   activeSubscription,
			token: "forged-token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, subs, events, _, trigger := newWebhookFixture()
			subs.GetByChannelIDFunc = func(ctx context.Context, channelID string) (*models.WebhookSubscription, error) {
				return tt.sub(), nil
			}

			outcome, err := m.HandleNotification(context.Background(), "chan-1", "res-1", "exists", tt.token, "1")
			if err != nil {
				t.Fatalf("HandleNotification failed: %v", err)
			}
			if outcome != NotificationIgnored {
				t.Errorf("Expected ignored outcome, got %s", outcome)
			}
			if trigger.calls != 0 {
				t.Errorf("Expected no sync trigger, got %d", trigger.calls)
			}
			if len(events.events) != 1 || events.events[0].Result != models.WebhookEventIgnored {
				t.Errorf("Expected one ignored audit event, got %+v", events.events)
			}
		})
	}
}
