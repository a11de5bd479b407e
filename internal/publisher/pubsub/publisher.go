// Package pubsub publishes render notifications to a Google Cloud Pub/Sub
// topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// Attributer lets payloads contribute message attributes for subscription
// filters.
type Attributer interface {
	PubSubAttributes() map[string]string
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish marshals payload to JSON and waits for the server ack. topic is
// recorded as the "topic" attribute; the destination is fixed by the
// underlying publisher.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: messageAttributes(topic, payload)}
	otel.GetTextMapPropagator().Inject(ctx, carrier(msg.Attributes))

	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and stops the publisher goroutines.
func (p *Publisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	return nil
}

func messageAttributes(topic string, payload any) map[string]string {
	attrs := make(map[string]string)
	if a, ok := payload.(Attributer); ok {
		for k, v := range a.PubSubAttributes() {
			attrs[k] = v
		}
	}
	if topic != "" {
		attrs["topic"] = topic
	}
	return attrs
}

// carrier adapts message attributes to propagation.TextMapCarrier.
type carrier map[string]string

func (c carrier) Get(key string) string { return c[key] }

func (c carrier) Set(key, value string) { c[key] = value }

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
