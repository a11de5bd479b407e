// Package queue feeds render requests from a shared backlog into the local
// scheduler. Several proxy replicas can drain one backlog; a message is
// acknowledged only once the local scheduler has admitted it, and returned
// to the backlog when the scheduler is saturated.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/render-cache/internal/render"
)

// Request is the wire form of a backlog message.
type Request struct {
	URL      string          `json:"url"`
	Priority render.Priority `json:"priority"`
}

// Validate checks the request carries an absolute URL.
func (r Request) Validate() error {
	if !strings.HasPrefix(r.URL, "http://") && !strings.HasPrefix(r.URL, "https://") {
		return fmt.Errorf("backlog request url %q must be absolute", r.URL)
	}
	return nil
}

// Encode serializes r for transport.
func (r Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode backlog request: %w", err)
	}
	return data, nil
}

// Decode parses a transported request. A missing priority is normal.
func Decode(data []byte) (Request, error) {
	r := Request{Priority: render.PriorityNormal}
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("decode backlog request: %w", err)
	}
	return r, nil
}

// Message is one delivery. Exactly one of Ack or Nack takes effect.
type Message struct {
	ID      string
	Request Request

	once sync.Once
	ack  func()
	nack func()
}

// NewMessage wraps a delivery with its settlement callbacks.
func NewMessage(id string, req Request, ack, nack func()) *Message {
	return &Message{ID: id, Request: req, ack: ack, nack: nack}
}

// Ack removes the message from the backlog.
func (m *Message) Ack() {
	m.once.Do(func() {
		if m.ack != nil {
			m.ack()
		}
	})
}

// Nack returns the message to the backlog for redelivery.
func (m *Message) Nack() {
	m.once.Do(func() {
		if m.nack != nil {
			m.nack()
		}
	})
}

// Handler processes one delivery and must settle it.
type Handler func(ctx context.Context, msg *Message)

// Backlog is a shared queue of render requests.
type Backlog interface {
	Publish(ctx context.Context, req Request) error
	// Receive delivers messages to h until ctx is done.
	Receive(ctx context.Context, h Handler) error
	Close() error
}

// ErrClosed is returned by backlogs after Close.
var ErrClosed = errors.New("backlog closed")
