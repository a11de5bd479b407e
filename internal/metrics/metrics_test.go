package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

// TestInitRegistersCollectors verifies collectors record once Init has run
// and that repeated Init calls are harmless.
func TestInitRegistersCollectors(t *testing.T) {
	Init()
	Init()

	ObserveRenderJob("succeeded")
	ObserveRenderJob("succeeded")
	ObserveRenderJob("failed")
	assert.Equal(t, 2.0, testutil.ToFloat64(renderJobsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(renderJobsTotal.WithLabelValues("failed")))

	SetQueueDepth(4, 2)
	assert.Equal(t, 4.0, testutil.ToFloat64(renderQueueDepth.WithLabelValues("ready")))
	assert.Equal(t, 2.0, testutil.ToFloat64(renderQueueDepth.WithLabelValues("delayed")))

	SetActiveRenders(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(renderActive))

	ObserveRetry(2 * time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(renderRetriesTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(renderBackoffSeconds))

	SetBreakerState("render", 1)
	ObserveBreakerTransition("render", "CLOSED", "OPEN")
	ObserveBreakerRejection("render")
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerState.WithLabelValues("render")))
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerTransitionsTotal.WithLabelValues("render", "CLOSED", "OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerRejectionsTotal.WithLabelValues("render")))

	ObserveCacheLookup("hit")
	ObserveContentChange("minor")
	ObserveFallback(true)
	ObserveRateLimited("https://Shop.example.com/a")
	ObserveBacklogDelivery("admitted")
	assert.Equal(t, 1.0, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cacheChangesTotal.WithLabelValues("minor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(renderFallbacksTotal.WithLabelValues("served")))
	assert.Equal(t, 1.0, testutil.ToFloat64(renderRateLimitedTotal.WithLabelValues("shop.example.com")))
	assert.Equal(t, 1.0, testutil.ToFloat64(backlogDeliveries.WithLabelValues("admitted")))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
