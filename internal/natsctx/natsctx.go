// Package natsctx propagates OpenTelemetry trace context across NATS
// message boundaries, so a task dispatch span started by the scheduler
// continues through the worker's reply.
package natsctx

import (
	"context"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

const tracerName = "taskmesh-nats"

// Publish injects the traceparent header from ctx and publishes data.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// Request injects the traceparent header and performs a NATS request/reply
// round trip, used for synchronous task dispatch acknowledgement.
func Request(ctx context.Context, nc *nats.Conn, subject string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return nc.RequestMsg(msg, timeout)
}

// Subscribe wraps nc.Subscribe, extracting trace context from each message
// into a child consumer span before invoking handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		ctx, span := otel.Tracer(tracerName).Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
