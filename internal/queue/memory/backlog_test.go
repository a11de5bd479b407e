package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-cache/internal/queue"
	"github.com/JakeFAU/render-cache/internal/render"
)

func TestBacklogPublishReceive(t *testing.T) {
	t.Parallel()

	b := NewBacklog(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, b.Publish(ctx, queue.Request{URL: "https://example.com/a", Priority: render.PriorityHigh}))
	require.NoError(t, b.Publish(ctx, queue.Request{URL: "https://example.com/b"}))
	assert.Equal(t, 2, b.Len())

	var got []string
	recvCtx, stop := context.WithCancel(ctx)
	err := b.Receive(recvCtx, func(_ context.Context, msg *queue.Message) {
		got = append(got, msg.Request.URL)
		msg.Ack()
		if len(got) == 2 {
			stop()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, got)
	assert.Zero(t, b.Len())
}

func TestBacklogNackRedelivers(t *testing.T) {
	t.Parallel()

	b := NewBacklog(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Publish(ctx, queue.Request{URL: "https://example.com/"}))

	deliveries := 0
	recvCtx, stop := context.WithCancel(ctx)
	_ = b.Receive(recvCtx, func(_ context.Context, msg *queue.Message) {
		deliveries++
		if deliveries < 3 {
			msg.Nack()
			return
		}
		msg.Ack()
		stop()
	})
	assert.Equal(t, 3, deliveries)
}

func TestBacklogPublishRespectsContext(t *testing.T) {
	t.Parallel()

	b := NewBacklog(1)
	require.NoError(t, b.Publish(context.Background(), queue.Request{URL: "https://example.com/"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Publish(ctx, queue.Request{URL: "https://example.com/2"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBacklogClose(t *testing.T) {
	t.Parallel()

	b := NewBacklog(1)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), queue.Request{URL: "https://example.com/"})
	assert.True(t, errors.Is(err, queue.ErrClosed))
	err = b.Receive(context.Background(), func(context.Context, *queue.Message) {})
	assert.ErrorIs(t, err, queue.ErrClosed)
}
