package otel_test

import (
	"context"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"escrowflow/pkg/config"
	"escrowflow/pkg/otel"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := otel.Init(config.OtelConfig{Enabled: false}, "test", "dev", zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
}

func TestMQTraceContextRoundTrip(t *testing.T) {
	gotel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), parent)

	headers := amqp091.Table{}
	_, span := otel.MQPublishSpan(ctx, "escrow.events", "milestone.approved", headers)
	span.End()
	require.Contains(t, headers, "traceparent")

	delivery := amqp091.Delivery{
		Exchange:   "escrow.events",
		RoutingKey: "milestone.approved",
		Headers:    headers,
	}
	consumeCtx, consumeSpan := otel.MQConsumeSpan(context.Background(), "escrow.release", delivery)
	consumeSpan.End()

	got := trace.SpanContextFromContext(consumeCtx)
	assert.Equal(t, traceID, got.TraceID())
}
