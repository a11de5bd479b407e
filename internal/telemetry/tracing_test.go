package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	ctx := context.Background()
	exp := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(ctx, Config{ServiceName: "render-cache-test", SampleRatio: 1, Exporters: []sdktrace.SpanExporter{exp}})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(ctx, "render.attempt")
	span.End()
	require.NoError(t, tp.ForceFlush(ctx))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "render.attempt", spans[0].Name)
	name, ok := spans[0].Resource.Set().Value(attribute.Key("service.name"))
	require.True(t, ok)
	assert.Equal(t, "render-cache-test", name.AsString())
	require.NoError(t, tp.Shutdown(ctx))
}

func TestInitTracerProviderZeroRatioDropsRootSpans(t *testing.T) {
	ctx := context.Background()
	exp := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(ctx, Config{Exporters: []sdktrace.SpanExporter{exp}})
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(ctx) }()

	_, span := tp.Tracer("test").Start(ctx, "dropped")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, tp.ForceFlush(ctx))
	assert.Empty(t, exp.GetSpans())
}
