// Package memory records published notifications in process. It backs the
// publisher sink when no Pub/Sub topic is configured and in tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	limit    int
}

// PublishedMessage captures one publish call. Data holds the JSON encoding
// a network publisher would have sent.
type PublishedMessage struct {
	Topic   string
	Payload any
	Data    []byte
}

// New returns a memory Publisher keeping at most limit messages (0 keeps all).
func New(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload, Data: data})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append([]PublishedMessage(nil), p.messages[len(p.messages)-p.limit:]...)
	}
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Close implements the publisher lifecycle; it keeps recorded messages.
func (p *Publisher) Close() error {
	return nil
}
