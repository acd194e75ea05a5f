// Package tracing provides OpenTelemetry spans and context propagation for queue operations.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nimburion/workqueue"

// SpanOperation represents a traced queue operation.
type SpanOperation string

const (
	SpanOperationPublish   SpanOperation = "publish"
	SpanOperationClaim     SpanOperation = "claim"
	SpanOperationHeartbeat SpanOperation = "heartbeat"
	SpanOperationAck       SpanOperation = "ack"
	SpanOperationRequeue   SpanOperation = "requeue"
	SpanOperationProcess   SpanOperation = "process"
)

// SpanOption configures a queue span.
type SpanOption func(*spanOptions)

type spanOptions struct {
	queue      string
	links      []trace.Link
	attributes []attribute.KeyValue
}

// WithQueue sets the logical queue name.
func WithQueue(queue string) SpanOption {
	return func(opts *spanOptions) {
		opts.queue = queue
		opts.attributes = append(opts.attributes, attribute.String("messaging.destination.name", queue))
	}
}

// WithItemID sets the work item id.
func WithItemID(id string) SpanOption {
	return func(opts *spanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.message.id", id))
	}
}

// WithBackend sets the store backend name (mongodb, redis, ...).
func WithBackend(backend string) SpanOption {
	return func(opts *spanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.system", backend))
	}
}

// WithRetries records the caller-managed retry counter.
func WithRetries(retries int) SpanOption {
	return func(opts *spanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("workqueue.retries", retries))
	}
}

// WithLinkFrom links the span to the span context found in linked, typically the publisher span
// restored from a work item.
func WithLinkFrom(linked context.Context) SpanOption {
	return func(opts *spanOptions) {
		if spanCtx := trace.SpanContextFromContext(linked); spanCtx.IsValid() {
			opts.links = append(opts.links, trace.Link{SpanContext: spanCtx})
		}
	}
}

// StartQueueSpan starts a span for a queue operation. Publish spans are producer spans,
// claim and process spans are consumer spans, the rest are client spans.
func StartQueueSpan(ctx context.Context, operation SpanOperation, opts ...SpanOption) (context.Context, trace.Span) {
	spanOpts := &spanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("messaging.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("queue %s", operation)
	if spanOpts.queue != "" {
		spanName = fmt.Sprintf("%s %s", spanOpts.queue, operation)
	}

	kind := trace.SpanKindClient
	switch operation {
	case SpanOperationPublish:
		kind = trace.SpanKindProducer
	case SpanOperationClaim, SpanOperationProcess:
		kind = trace.SpanKindConsumer
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, spanName,
		trace.WithSpanKind(kind),
		trace.WithLinks(spanOpts.links...),
	)
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// ItemAttributes returns the attributes describing a claimed item, for spans started before the
// item was known.
func ItemAttributes(id string, retries int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.message.id", id),
		attribute.Int("workqueue.retries", retries),
	}
}

// RecordError records err on span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Inject serializes the propagation state of ctx into a string map. A nil propagator uses the
// global one. The result is nil when there is nothing to propagate.
func Inject(ctx context.Context, propagator propagation.TextMapPropagator) map[string]string {
	if ctx == nil {
		return nil
	}
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Extract restores propagation state previously produced by Inject on top of ctx.
func Extract(ctx context.Context, propagator propagation.TextMapPropagator, carrier map[string]string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(carrier) == 0 {
		return ctx
	}
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	return propagator.Extract(ctx, propagation.MapCarrier(carrier))
}

// DefaultPropagator returns the W3C trace-context and baggage propagator.
func DefaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}
