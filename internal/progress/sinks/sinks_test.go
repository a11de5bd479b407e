package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/render-cache/internal/progress"
	"github.com/JakeFAU/render-cache/internal/publisher/memory"
)

func batch() []progress.Event {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []progress.Event{
		{JobID: "a", TS: ts, Stage: progress.StageJobQueued, URL: "https://example.com/"},
		{JobID: "a", TS: ts, Stage: progress.StageJobStart, URL: "https://example.com/", Attempt: 1},
		{JobID: "a", TS: ts, Stage: progress.StageJobDone, URL: "https://example.com/", Attempt: 1, StatusCode: 200, Dur: time.Second},
		{JobID: "a", TS: ts, Stage: progress.StageCacheWrite, URL: "https://example.com/", ChangeType: "minor"},
		{JobID: "b", TS: ts, Stage: progress.StageJobError, URL: "https://example.com/x", Note: "render backend failure"},
	}
}

// TestLogSinkLevels verifies lifecycle noise stays at debug.
func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), batch()))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "JOB_DONE", entries[0].ContextMap()["stage"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
}

func TestPublisherSinkForwardsCompletions(t *testing.T) {
	t.Parallel()

	pub := memory.New(0)
	sink := NewPublisherSink(pub, "render-events", zap.NewNop())
	require.NoError(t, sink.Consume(context.Background(), batch()))
	require.NoError(t, sink.Close(context.Background()))

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	first, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	assert.Equal(t, "JOB_DONE", first.Stage)
	assert.Equal(t, 200, first.StatusCode)
	assert.Equal(t, "render-events", msgs[0].Topic)

	write := msgs[1].Payload.(Notification)
	assert.Equal(t, map[string]string{"stage": "CACHE_WRITE", "change_type": "minor"}, write.PubSubAttributes())
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublisherSink(failingPublisher{}, "t", nil)
	err := sink.Consume(context.Background(), batch())
	require.Error(t, err)
	assert.ErrorIs(t, err, errPublish)
	assert.Contains(t, err.Error(), "JOB_ERROR")
}

// --- fakes ---

var errPublish = errors.New("unavailable")

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errPublish
}
