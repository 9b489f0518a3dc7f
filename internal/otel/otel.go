package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
	reqid "github.com/hanpama/gqlstream/internal/reqid"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const instrumentationName = "github.com/hanpama/gqlstream"

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(ctx context.Context, endpoint, service string, bus *eventbus.Bus) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, errors.Annotatef(err, "creating OTLP exporter for %s", endpoint)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := Register(tp.Tracer(instrumentationName), bus)

	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Register turns bus events into spans on tracer and returns a function that
// detaches it.
func Register(tracer trace.Tracer, bus *eventbus.Bus) func() {
	s := &subscriber{tracer: tracer}
	return s.register(bus)
}

type subscriber struct {
	tracer    trace.Tracer
	httpSpans sync.Map // rid -> trace.Span
	gqlSpans  sync.Map // rid -> trace.Span
	connSpans sync.Map // connection id -> trace.Span
	opSpans   sync.Map // rid -> trace.Span
}

// current returns the innermost open span of the request or operation in ctx.
func (s *subscriber) current(ctx context.Context) (trace.Span, bool) {
	rid, ok := reqid.FromContext(ctx)
	if !ok {
		return nil, false
	}
	for _, m := range []*sync.Map{&s.gqlSpans, &s.opSpans, &s.httpSpans} {
		if v, ok := m.Load(rid); ok {
			return v.(trace.Span), true
		}
	}
	return nil, false
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	unsubscribe := []func(){
		eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
			)
			s.httpSpans.Store(rid, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.httpSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.GraphQLStart) {
			rid, _ := reqid.FromContext(ctx)
			parent := ctx
			if v, ok := s.httpSpans.Load(rid); ok {
				parent = trace.ContextWithSpan(ctx, v.(trace.Span))
			}
			_, span := s.tracer.Start(parent, "graphql.operation")
			span.SetAttributes(
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.operation.type", e.OperationType),
			)
			s.gqlSpans.Store(rid, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.GraphQLFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.gqlSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("graphql.error_count", len(e.Errors)))
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.WSConnectionStart) {
			_, span := s.tracer.Start(ctx, "websocket.connection")
			span.SetAttributes(
				attribute.String("websocket.connection.id", e.ConnectionID),
				attribute.String("websocket.subprotocol", e.Subprotocol),
			)
			s.connSpans.Store(e.ConnectionID, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.WSConnectionFinish) {
			v, ok := s.connSpans.LoadAndDelete(e.ConnectionID)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("websocket.close_code", e.CloseCode))
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.WSOperationStart) {
			rid, _ := reqid.FromContext(ctx)
			parent := ctx
			if v, ok := s.connSpans.Load(e.ConnectionID); ok {
				parent = trace.ContextWithSpan(ctx, v.(trace.Span))
			}
			_, span := s.tracer.Start(parent, "websocket.operation")
			span.SetAttributes(
				attribute.String("websocket.operation.id", e.OperationID),
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.operation.type", e.OperationType),
			)
			s.opSpans.Store(rid, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.WSOperationFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.opSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(
				attribute.String("websocket.operation.outcome", e.Outcome),
				attribute.Int("websocket.operation.results", e.Results),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.PubSubPublish) {
			span, ok := s.current(ctx)
			if !ok {
				return
			}
			span.AddEvent("pubsub.publish", trace.WithAttributes(attribute.String("pubsub.topic", e.Topic)))
			if e.Err != nil {
				span.RecordError(e.Err)
			}
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.PubSubSubscribe) {
			if span, ok := s.current(ctx); ok {
				span.AddEvent("pubsub.subscribe", trace.WithAttributes(attribute.String("pubsub.topic", e.Topic)))
			}
		}),
	}
	return func() {
		for _, u := range unsubscribe {
			u()
		}
	}
}
