// Package notify delivers alert notifications.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

// TopicAlertNotification is the event type used by the publishing notifier.
const TopicAlertNotification = "crawler.alert.notification"

// LogNotifier writes notifications to the log. It is the default when no
// delivery channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send implements crawler.Notifier.
func (n *LogNotifier) Send(_ context.Context, msg crawler.Notification) error {
	n.logger.Warn("alert notification",
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.BodyHTML)),
	)
	return nil
}

// PublisherNotifier hands notifications to a mail or webhook relay through the
// event publisher.
type PublisherNotifier struct {
	publisher crawler.Publisher
	topic     string
}

// NewPublisherNotifier returns a notifier publishing to topic (defaulting to
// TopicAlertNotification).
func NewPublisherNotifier(publisher crawler.Publisher, topic string) *PublisherNotifier {
	if topic == "" {
		topic = TopicAlertNotification
	}
	return &PublisherNotifier{publisher: publisher, topic: topic}
}

type notificationEvent struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	BodyHTML  string `json:"body_html"`
}

// Send implements crawler.Notifier.
func (n *PublisherNotifier) Send(ctx context.Context, msg crawler.Notification) error {
	if msg.Recipient == "" {
		return fmt.Errorf("notification recipient is required")
	}
	_, err := n.publisher.Publish(ctx, n.topic, notificationEvent{
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		BodyHTML:  msg.BodyHTML,
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
