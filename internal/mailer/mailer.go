// Package mailer is the send side of the managed Gmail account: welcome
// mails that open a new thread and threaded replies into existing ones.
// Bodies arrive as Markdown and are rendered to HTML on the way out.
package mailer

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/sirupsen/logrus"

	"onboard-mail-agent/internal/config"
)

const sendRetries = 3

// SendResult identifies what the provider assigned to a sent message.
type SendResult struct {
	ThreadID  string
	MessageID string
}

// Mailer sends mail through the managed Gmail account.
type Mailer struct {
	service *gmail.Service
	address string
}

// New creates a Mailer from the configured OAuth2 refresh token.
func New(cfg *config.GmailConfig) (*Mailer, error) {
	ctx := context.Background()

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{gmail.GmailSendScope, gmail.GmailReadonlyScope},
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

	return &Mailer{
		service: service,
		address: cfg.MailboxAddress,
	}, nil
}

// SendInitial sends the first message of a new conversation and returns the
// thread the provider opened for it.
func (m *Mailer) SendInitial(ctx context.Context, recipient, subject, markdownBody string) (SendResult, error) {
	htmlBody, err := RenderHTML(markdownBody)
	if err != nil {
		return SendResult{}, err
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", m.address))
	b.WriteString(fmt.Sprintf("To: %s\r\n", recipient))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)

	message := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(b.String())),
	}

	sent, err := m.send(ctx, message)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to send initial mail to %s: %w", recipient, err)
	}

	return SendResult{ThreadID: sent.ThreadId, MessageID: sent.Id}, nil
}

// SendReply sends a reply into an existing thread, addressed to the latest
// external correspondent with proper In-Reply-To/References threading.
func (m *Mailer) SendReply(ctx context.Context, threadID, markdownBody string) (SendResult, error) {
	thread, err := m.service.Users.Threads.Get("me", threadID).
		Format("metadata").
		MetadataHeaders("From", "Subject", "Message-ID").
		Context(ctx).Do()
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to get thread %s: %w", threadID, err)
	}

	// Reply to the most recent message not sent by the mailbox itself.
	var replyTo *gmail.Message
	for i := len(thread.Messages) - 1; i >= 0; i-- {
		from := headerValue(thread.Messages[i], "From")
		if !strings.Contains(strings.ToLower(from), strings.ToLower(m.address)) {
			replyTo = thread.Messages[i]
			break
		}
	}
	if replyTo == nil {
		return SendResult{}, fmt.Errorf("no external message to reply to in thread %s", threadID)
	}

	from := headerValue(replyTo, "From")
	subject := headerValue(replyTo, "Subject")
	messageIDHeader := headerValue(replyTo, "Message-ID")

	if !strings.HasPrefix(subject, "Re:") {
		subject = "Re: " + subject
	}

	htmlBody, err := RenderHTML(markdownBody)
	if err != nil {
		return SendResult{}, err
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("To: %s\r\n", from))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	b.WriteString(fmt.Sprintf("In-Reply-To: %s\r\n", messageIDHeader))
	b.WriteString(fmt.Sprintf("References: %s\r\n", messageIDHeader))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)

	message := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString([]byte(b.String())),
		ThreadId: threadID,
	}

	sent, err := m.send(ctx, message)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to send reply in thread %s: %w", threadID, err)
	}

	return SendResult{ThreadID: sent.ThreadId, MessageID: sent.Id}, nil
}

// send submits a message with bounded retry on rate limiting.
func (m *Mailer) send(ctx context.Context, message *gmail.Message) (*gmail.Message, error) {
	var lastErr error
	for attempt := 1; attempt <= sendRetries; attempt++ {
		sent, err := m.service.Users.Messages.Send("me", message).Context(ctx).Do()
		if err == nil {
			return sent, nil
		}

		lastErr = err
		logrus.Warnf("Gmail send failed (attempt %d/%d): %v", attempt, sendRetries, err)

		if strings.Contains(err.Error(), "quota") || strings.Contains(err.Error(), "rate") {
			waitTime := time.Duration(attempt*attempt) * time.Second
			logrus.Infof("Rate limited, waiting %v before retry", waitTime)
			select {
			case <-time.After(waitTime):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			break
		}
	}
	return nil, fmt.Errorf("send failed after %d attempts: %w", sendRetries, lastErr)
}

// TestConnection verifies the Gmail API credentials by fetching the profile.
func (m *Mailer) TestConnection(ctx context.Context) error {
	_, err := m.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to test Gmail connection: %w", err)
	}
	return nil
}

// Close closes the mailer (no-op for the Gmail API).
func (m *Mailer) Close() error {
	return nil
}

func headerValue(msg *gmail.Message, name string) string {
	if msg.Payload == nil {
		return ""
	}
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
