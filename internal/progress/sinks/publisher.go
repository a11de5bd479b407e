package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/progress"
)

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the compact message downstream consumers (cache warmers,
// CDN purgers) receive when a render finishes or a cache entry is written.
type Notification struct {
	JobID      string        `json:"job_id"`
	URL        string        `json:"url"`
	Stage      string        `json:"stage"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code,omitempty"`
	ChangeType string        `json:"change_type,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	Note       string        `json:"note,omitempty"`
	Timestamp  time.Time     `json:"ts"`
}

// PubSubAttributes exposes filterable attributes.
func (n Notification) PubSubAttributes() map[string]string {
	attrs := map[string]string{"stage": n.Stage}
	if n.ChangeType != "" {
		attrs["change_type"] = n.ChangeType
	}
	return attrs
}

// PublisherSink forwards terminal and cache-write events to a Publisher.
type PublisherSink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(publisher Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one notification per relevant event. It keeps going
// after a failed publish and returns the joined errors.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() && evt.Stage != progress.StageCacheWrite {
			continue
		}
		n := Notification{
			JobID:      evt.JobID,
			URL:        evt.URL,
			Stage:      string(evt.Stage),
			Attempt:    evt.Attempt,
			StatusCode: evt.StatusCode,
			ChangeType: evt.ChangeType,
			Duration:   evt.Dur,
			Note:       evt.Note,
			Timestamp:  evt.TS,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, n); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for job %s: %w", evt.Stage, evt.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the publisher when it supports it.
func (s *PublisherSink) Close(context.Context) error {
	closer, ok := s.publisher.(interface{ Close() error })
	if !ok {
		return nil
	}
	if err := closer.Close(); err != nil {
		return fmt.Errorf("close publisher: %w", err)
	}
	return nil
}
