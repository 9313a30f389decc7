package listener

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"onboard-mail-agent/internal/config"
)

// PubSubListener receives Gmail push notifications from a Pub/Sub
// subscription and feeds them to the processor. A notification is
// acknowledged only after every message it references has been durably
// handled; retryable failures leave it unacknowledged so the delivery
// system redelivers.
type PubSubListener struct {
	client    *pubsub.Client
	topic     string
	subName   string
	processor *Processor
}

// NewPubSubListener creates the listener and its Pub/Sub client.
func NewPubSubListener(cfg *config.PubSubConfig, processor *Processor) (*PubSubListener, error) {
	ctx := context.Background()

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	return &PubSubListener{
		client:    client,
		topic:     cfg.Topic,
		subName:   cfg.Subscription,
		processor: processor,
	}, nil
}

// Start ensures the subscription exists and blocks receiving notifications
// until the context is cancelled. A single notification's failure never
// terminates the receive loop.
func (l *PubSubListener) Start(ctx context.Context) error {
	sub, err := l.ensureSubscription(ctx)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	logrus.Infof("Listening for mail notifications on subscription %s", l.subName)
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		notification, err := DecodeNotification(msg.Data)
		if err != nil {
			// Malformed payloads will not improve on redelivery.
			logrus.Warnf("Dropping undecodable notification: %v", err)
			msg.Ack()
			return
		}

		if err := l.processor.ProcessHistory(ctx, notification.HistoryID); err != nil {
			logrus.Errorf("Notification for history %d left unacknowledged: %v", notification.HistoryID, err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive failed: %w", err)
	}
	return nil
}

// Close releases the Pub/Sub client.
func (l *PubSubListener) Close() error {
	return l.client.Close()
}

func (l *PubSubListener) ensureSubscription(ctx context.Context) (*pubsub.Subscription, error) {
	sub := l.client.Subscription(l.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", l.subName, err)
	}
	if exists {
		return sub, nil
	}

	topic := l.client.Topic(l.topic)
	topicExists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check topic %s: %w", l.topic, err)
	}
	if !topicExists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", l.topic)
	}

	sub, err = l.client.CreateSubscription(ctx, l.subName, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription %s: %w", l.subName, err)
	}
	logrus.Infof("Created subscription %s", l.subName)
	return sub, nil
}
