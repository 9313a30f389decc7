// Package mailbox is the read side of the managed Gmail account: push
// notification registration, history resolution, and fetching inbound
// messages as parsed, quote-stripped email.
package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/sirupsen/logrus"

	"onboard-mail-agent/internal/config"
	"onboard-mail-agent/internal/models"
)

// historyLookback re-reads a window before the pushed historyId. Gmail push
// payloads reference history that may already be ahead of the mailbox view;
// the wider window trades duplicate candidates (removed downstream by the
// deduplicator) for not missing messages.
const historyLookback = 100

// recentFallbackCount bounds the recent-messages scan used when the history
// API rejects a start id.
const recentFallbackCount = 5

// Mailbox reads from the single managed Gmail account.
type Mailbox struct {
	service *gmail.Service
	address string
}

// New creates a Mailbox from the configured OAuth2 refresh token.
func New(cfg *config.GmailConfig) (*Mailbox, error) {
	ctx := context.Background()

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}

	token := &oauth2.Token{
		RefreshToken: cfg.RefreshToken,
	}

	tokenSource := oauth2Config.TokenSource(ctx, token)

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Mailbox{
		service: service,
		address: cfg.MailboxAddress,
	}, nil
}

// Address returns the mailbox's own address, used for self-message
// filtering.
func (m *Mailbox) Address() string {
	return m.address
}

// RegisterWatch subscribes the mailbox's INBOX to the Pub/Sub topic. The
// registration expires after roughly a week; ExpireAt is logged so operators
// can schedule renewal.
func (m *Mailbox) RegisterWatch(ctx context.Context, topic string) error {
	req := &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}
	resp, err := m.service.Users.Watch("me", req).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to register Gmail watch on %s: %w", topic, err)
	}
	logrus.Infof("Gmail watch registered, historyId=%d expires=%s",
		resp.HistoryId, time.UnixMilli(resp.Expiration).Format(time.RFC3339))
	return nil
}

// MessageIDsSince resolves a pushed historyId into concrete message ids.
// When the history API cannot serve the start id (expired or ahead of the
// mailbox view) it falls back to scanning the most recent messages.
func (m *Mailbox) MessageIDsSince(ctx context.Context, historyID uint64) ([]string, error) {
	start := uint64(1)
	if historyID > historyLookback {
		start = historyID - historyLookback
	}

	var ids []string
	call := m.service.Users.History.List("me").
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		Context(ctx)
	resp, err := call.Do()
	if err == nil {
		for _, item := range resp.History {
			for _, added := range item.MessagesAdded {
				if added.Message != nil {
					ids = append(ids, added.Message.Id)
				}
			}
		}
		return ids, nil
	}

	logrus.Warnf("History list from %d failed (%v), falling back to recent messages", start, err)
	return m.RecentMessageIDs(ctx, recentFallbackCount)
}

// RecentMessageIDs returns the ids of the newest messages in the mailbox.
func (m *Mailbox) RecentMessageIDs(ctx context.Context, max int64) ([]string, error) {
	resp, err := m.service.Users.Messages.List("me").MaxResults(max).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		ids = append(ids, msg.Id)
	}
	return ids, nil
}

// GetMessage fetches one message in raw RFC822 form and parses it into an
// InboundEmail with quoted history stripped from the body.
func (m *Mailbox) GetMessage(ctx context.Context, messageID string) (*models.InboundEmail, error) {
	msg, err := m.service.Users.Messages.Get("me", messageID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}

	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw message %s: %w", messageID, err)
	}

	email, err := ParseRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message %s: %w", messageID, err)
	}

	email.MessageID = msg.Id
	email.ThreadID = msg.ThreadId
	email.Received = time.UnixMilli(msg.InternalDate)
	return email, nil
}

// TestConnection verifies the Gmail API credentials by fetching the profile.
func (m *Mailbox) TestConnection(ctx context.Context) error {
	_, err := m.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to test Gmail connection: %w", err)
	}
	return nil
}

// Close closes the mailbox (no-op for the Gmail API).
func (m *Mailbox) Close() error {
	return nil
}
