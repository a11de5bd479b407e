package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	t.Parallel()

	cases := map[string]Priority{"high": PriorityHigh, "": PriorityNormal, "NORMAL": PriorityNormal, " low ": PriorityLow}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePriority("urgent")
	require.Error(t, err)
}

func TestPriorityJSON(t *testing.T) {
	t.Parallel()

	var payload struct {
		Priority Priority `json:"priority"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"priority":"low"}`), &payload))
	assert.Equal(t, PriorityLow, payload.Priority)

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"priority":"low"}`, string(out))
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusSucceededViaFallback.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

// TestIsRetryable verifies the retry classification for wrapped errors.
func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(fmt.Errorf("chromedp: %w", ErrRenderTimeout)))
	assert.True(t, IsRetryable(fmt.Errorf("navigate: %w", ErrBackendFailure)))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.False(t, IsRetryable(fmt.Errorf("render: %w", ErrCircuitOpen)))
	assert.False(t, IsRetryable(ErrJobCancelled))
	assert.False(t, IsRetryable(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.False(t, IsRetryable(errors.Join(ErrFallbackExhausted, ErrBackendFailure)))
}
