package google

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	people "google.golang.org/api/people/v1"

	"github.com/circleback/sync-worker/internal/models"
	"github.com/circleback/sync-worker/internal/service"
)

const (
	contactPageSize   = 100
	calendarPageSize  = 250
	contactFields     = "names,emailAddresses,phoneNumbers,organizations,birthdays"
	primaryCalendarID = "primary"
)

// Client talks to the Google People and Calendar APIs for one OAuth app.
// Incremental cursors (provider sync tokens) are kept per (account,
// integration) in process memory; after a restart the first sync of each pair
// is a full one.
type Client struct {
	clientID     string
	clientSecret string
	callbackURL  string

	mu         sync.Mutex
	syncTokens map[string]string
}

func NewClient(clientID, clientSecret, callbackURL string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		callbackURL:  callbackURL,
		syncTokens:   make(map[string]string),
	}
}

func tokenSource(accessToken string) option.ClientOption {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}
	return option.WithTokenSource(oauth2.StaticTokenSource(token))
}

// Sync pulls changes for one (account, integration) pair and reports whether
// anything changed. Implements the scheduler's provider contract.
func (c *Client) Sync(ctx context.Context, accessToken, accountID string, integration models.IntegrationType) (*service.SyncOutcome, error) {
	switch integration {
	case models.IntegrationContacts:
		return c.syncContacts(ctx, accessToken, accountID)
	case models.IntegrationCalendar:
		return c.syncCalendar(ctx, accessToken, accountID)
	default:
		return nil, fmt.Errorf("unsupported integration: %s", integration)
	}
}

// syncContacts lists the account's connections through the People API, using
// a sync token when one is cached so unchanged contacts are not re-fetched.
func (c *Client) syncContacts(ctx context.Context, accessToken, accountID string) (*service.SyncOutcome, error) {
	svc, err := people.NewService(ctx, tokenSource(accessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create People service: %w", err)
	}

	cursorKey := accountID + "/contacts"
	syncToken := c.getSyncToken(cursorKey)

	outcome := &service.SyncOutcome{}
	pageToken := ""
	nextSyncToken := ""

	for {
		call := svc.People.Connections.List("people/me").
			PersonFields(contactFields).
			PageSize(contactPageSize).
			Context(ctx)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		} else {
			call = call.RequestSyncToken(true)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			if isExpiredSyncToken(err) {
				// Provider invalidated the cursor; fall back to a full sync.
				log.Printf("Sync token expired for %s, performing full contact sync", accountID)
				c.clearSyncToken(cursorKey)
				syncToken = ""
				pageToken = ""
				continue
			}
			return nil, fmt.Errorf("failed to list connections: %w", err)
		}

		outcome.APICallsMade++
		outcome.ItemsProcessed += len(resp.Connections)
		nextSyncToken = resp.NextSyncToken

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	// With a sync token, the provider returns only changed people: any item
	// at all means changes.
	outcome.ChangesFound = outcome.ItemsProcessed > 0 || syncToken == ""
	if nextSyncToken != "" {
		c.setSyncToken(cursorKey, nextSyncToken)
	}

	log.Printf("Contact sync for %s: %d items, %d API calls, changes=%v",
		accountID, outcome.ItemsProcessed, outcome.APICallsMade, outcome.ChangesFound)
	return outcome, nil
}

// syncCalendar lists primary-calendar events, incrementally when a sync token
// is cached.
func (c *Client) syncCalendar(ctx context.Context, accessToken, accountID string) (*service.SyncOutcome, error) {
	svc, err := calendar.NewService(ctx, tokenSource(accessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}

	cursorKey := accountID + "/calendar"
	syncToken := c.getSyncToken(cursorKey)

	outcome := &service.SyncOutcome{}
	pageToken := ""
	nextSyncToken := ""

	for {
		call := svc.Events.List(primaryCalendarID).
			MaxResults(calendarPageSize).
			Context(ctx)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			if isExpiredSyncToken(err) {
				log.Printf("Sync token expired for %s, performing full calendar sync", accountID)
				c.clearSyncToken(cursorKey)
				syncToken = ""
				pageToken = ""
				continue
			}
			return nil, fmt.Errorf("failed to list events: %w", err)
		}

		outcome.APICallsMade++
		outcome.ItemsProcessed += len(resp.Items)
		nextSyncToken = resp.NextSyncToken

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	outcome.ChangesFound = outcome.ItemsProcessed > 0 || syncToken == ""
	if nextSyncToken != "" {
		c.setSyncToken(cursorKey, nextSyncToken)
	}

	log.Printf("Calendar sync for %s: %d items, %d API calls, changes=%v",
		accountID, outcome.ItemsProcessed, outcome.APICallsMade, outcome.ChangesFound)
	return outcome, nil
}

// Watch opens a push-notification channel on the account's primary calendar.
func (c *Client) Watch(ctx context.Context, accessToken, accountID, verificationToken string) (*service.ChannelInfo, error) {
	svc, err := calendar.NewService(ctx, tokenSource(accessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}

	channel := &calendar.Channel{
		Id:      uuid.New().String(),
		Type:    "web_hook",
		Address: c.callbackURL,
		Token:   verificationToken,
	}

	resp, err := svc.Events.Watch(primaryCalendarID, channel).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to open watch channel: %w", err)
	}

	info := &service.ChannelInfo{
		ChannelID:   resp.Id,
		ResourceID:  resp.ResourceId,
		ResourceURI: resp.ResourceUri,
		Expiration:  time.UnixMilli(resp.Expiration),
	}

	log.Printf("Opened watch channel %s for account %s (expires %s)",
		info.ChannelID, accountID, info.Expiration.Format(time.RFC3339))
	return info, nil
}

// Stop closes a push-notification channel.
func (c *Client) Stop(ctx context.Context, accessToken, channelID, resourceID string) error {
	svc, err := calendar.NewService(ctx, tokenSource(accessToken))
	if err != nil {
		return fmt.Errorf("failed to create Calendar service: %w", err)
	}

	channel := &calendar.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}
	if err := svc.Channels.Stop(channel).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to stop channel: %w", err)
	}
	return nil
}

// RefreshAccessToken refreshes the OAuth2 access token
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error) {
	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
	}

	tokenSource := config.TokenSource(ctx, token)
	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	result := &service.TokenRefreshResult{
		AccessToken: newToken.AccessToken,
		ExpiresAt:   newToken.Expiry,
	}

	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		result.RefreshToken = newToken.RefreshToken
	} else {
		result.RefreshToken = refreshToken
	}

	log.Printf("Token refreshed successfully, expires at: %s", result.ExpiresAt)
	return result, nil
}

// isExpiredSyncToken detects the 410 the provider returns when an
// incremental cursor is no longer valid.
func isExpiredSyncToken(err error) bool {
	if gerr, ok := err.(*googleapi.Error); ok {
		return gerr.Code == 410
	}
	return false
}

func (c *Client) getSyncToken(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncTokens[key]
}

func (c *Client) setSyncToken(key, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncTokens[key] = token
}

func (c *Client) clearSyncToken(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.syncTokens, key)
}
