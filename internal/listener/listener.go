// Package listener turns inbound mail notifications into workflow engine
// calls. Two sources exist: a Pub/Sub subscriber fed by the mailbox's watch
// registration, and a cron-driven poller for deployments without push
// infrastructure. Both feed the same per-message processor: deduplicate,
// fetch, hand to the engine, and acknowledge only once the engine has
// durably recorded the outcome.
package listener

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"onboard-mail-agent/internal/metrics"
	"onboard-mail-agent/internal/models"
	"onboard-mail-agent/internal/workflow"
)

// pollBatchSize bounds how many recent messages one polling cycle scans.
const pollBatchSize = 10

// Notification is the payload Gmail publishes for mailbox changes.
type Notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Reader resolves notifications into fetched messages. Implemented by
// internal/mailbox.
type Reader interface {
	MessageIDsSince(ctx context.Context, historyID uint64) ([]string, error)
	RecentMessageIDs(ctx context.Context, max int64) ([]string, error)
	GetMessage(ctx context.Context, messageID string) (*models.InboundEmail, error)
}

// Deduplicator suppresses redundant deliveries. Seen is the gate; Observe
// records an id and is called only once processing has durably completed.
type Deduplicator interface {
	Seen(notificationID string) (bool, error)
	Observe(notificationID string) error
}

// Engine is the workflow engine boundary.
type Engine interface {
	HandleInbound(ctx context.Context, email *models.InboundEmail) error
}

// Processor applies one notification's messages to the engine.
type Processor struct {
	reader  Reader
	dedup   Deduplicator
	engine  Engine
	metrics *metrics.Metrics
}

func NewProcessor(reader Reader, dedup Deduplicator, engine Engine, m *metrics.Metrics) *Processor {
	return &Processor{
		reader:  reader,
		dedup:   dedup,
		engine:  engine,
		metrics: m,
	}
}

// ProcessHistory resolves a pushed historyId to message ids and processes
// each. The returned error is non-nil only when at least one message failed
// retryably, in which case the whole notification must stay unacknowledged.
func (p *Processor) ProcessHistory(ctx context.Context, historyID uint64) error {
	ids, err := p.reader.MessageIDsSince(ctx, historyID)
	if err != nil {
		return fmt.Errorf("failed to resolve history %d: %w", historyID, err)
	}

	var retryable int
	for _, id := range ids {
		if err := p.ProcessMessage(ctx, id); err != nil {
			if workflow.Retryable(err) {
				retryable++
			}
			logrus.Errorf("Failed to process message %s: %v", id, err)
		}
	}

	if retryable > 0 {
		return fmt.Errorf("%d of %d messages failed retryably for history %d", retryable, len(ids), historyID)
	}
	return nil
}

// ProcessMessage runs the dedup gate and hands a novel message to the
// engine. Per-message failures never propagate past this boundary except as
// the returned error; the listener process itself must keep running.
func (p *Processor) ProcessMessage(ctx context.Context, messageID string) error {
	p.metrics.NotificationsReceived.Inc()

	seen, err := p.dedup.Seen(messageID)
	if err != nil {
		return &workflow.StoreError{Err: err}
	}
	if seen {
		p.metrics.DuplicatesSuppressed.Inc()
		logrus.Debugf("Duplicate notification for message %s suppressed", messageID)
		return nil
	}

	email, err := p.reader.GetMessage(ctx, messageID)
	if err != nil {
		return &workflow.StoreError{Err: fmt.Errorf("fetch failed: %w", err)}
	}

	if err := p.engine.HandleInbound(ctx, email); err != nil {
		return err
	}

	// Record the id only now that the engine's writes are durable. A crash
	// anywhere before this line leaves the id unrecorded, so the unacked
	// notification is processed on redelivery instead of being swallowed;
	// the store's message-id idempotency absorbs any resulting repeat.
	if err := p.dedup.Observe(messageID); err != nil {
		logrus.Warnf("Failed to record dedup entry for %s: %v", messageID, err)
	}
	return nil
}

// DecodeNotification parses a push payload.
func DecodeNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to decode notification: %w", err)
	}
	if n.HistoryID == 0 {
		return nil, fmt.Errorf("notification carries no historyId")
	}
	return &n, nil
}
