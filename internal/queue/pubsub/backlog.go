// Package pubsub implements the shared render backlog on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/queue"
)

// Config names the topic requests are published to and the subscription
// this replica drains.
type Config struct {
	ProjectID      string `mapstructure:"project_id"`
	Topic          string `mapstructure:"topic"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// Backlog publishes and receives render requests over Pub/Sub.
type Backlog struct {
	client     *pubsub.Client
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	ownsClient bool
	logger     *zap.Logger
}

// New dials Pub/Sub with Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Backlog, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	b, err := NewWithClient(client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client", zap.Error(closeErr))
		}
		return nil, err
	}
	b.ownsClient = true
	return b, nil
}

// NewWithClient builds a Backlog on an existing client.
func NewWithClient(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Backlog, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.Topic == "" && cfg.Subscription == "" {
		return nil, errors.New("pubsub backlog needs a topic or a subscription")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backlog{client: client, logger: logger}
	if cfg.Topic != "" {
		b.publisher = client.Publisher(cfg.Topic)
	}
	if cfg.Subscription != "" {
		b.subscriber = client.Subscriber(cfg.Subscription)
		if cfg.MaxOutstanding > 0 {
			b.subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
		}
	}
	return b, nil
}

// Publish sends req and waits for the server ack.
func (b *Backlog) Publish(ctx context.Context, req queue.Request) error {
	if b.publisher == nil {
		return errors.New("pubsub backlog has no topic configured")
	}
	data, err := req.Encode()
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"priority": req.Priority.String()},
	}
	if _, err := b.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish render request: %w", err)
	}
	return nil
}

// Receive streams deliveries to h until ctx ends. Pub/Sub may invoke h
// concurrently, up to MaxOutstanding messages.
func (b *Backlog) Receive(ctx context.Context, h queue.Handler) error {
	if b.subscriber == nil {
		return errors.New("pubsub backlog has no subscription configured")
	}
	err := b.subscriber.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		req, err := queue.Decode(m.Data)
		if err != nil {
			b.logger.Warn("discarding undecodable backlog message",
				zap.String("message_id", m.ID),
				zap.Error(err))
			m.Ack()
			return
		}
		h(ctx, queue.NewMessage(m.ID, req, m.Ack, m.Nack))
	})
	if err != nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return ctx.Err()
}

// Close flushes the publisher and, when owned, closes the client.
func (b *Backlog) Close() error {
	if b.publisher != nil {
		b.publisher.Stop()
	}
	if !b.ownsClient {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
