package otel

import (
	"context"

	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MQPublishSpan 发布事件的 span，trace context 写入 headers
func MQPublishSpan(ctx context.Context, exchange, routingKey string, headers amqp091.Table) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "publish "+routingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messagingAttrs(exchange, routingKey)...),
	)
	otel.GetTextMapPropagator().Inject(ctx, amqpCarrier(headers))
	return ctx, span
}

// MQConsumeSpan 消费事件的 span，父 span 来自消息头
func MQConsumeSpan(ctx context.Context, queue string, msg amqp091.Delivery) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, amqpCarrier(msg.Headers))
	attrs := append(messagingAttrs(msg.Exchange, msg.RoutingKey),
		attribute.String("messaging.destination.name", queue),
		attribute.Bool("messaging.rabbitmq.redelivered", msg.Redelivered),
	)
	return Tracer().Start(ctx, "consume "+msg.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

func messagingAttrs(exchange, routingKey string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.rabbitmq.exchange", exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
	}
}

// amqpCarrier 让 amqp headers 满足 propagation.TextMapCarrier
type amqpCarrier amqp091.Table

func (c amqpCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (c amqpCarrier) Set(key, value string) {
	if c != nil {
		c[key] = value
	}
}

func (c amqpCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
