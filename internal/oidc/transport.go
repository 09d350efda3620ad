package oidc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/wadahiro/fedgate/internal/oidc"

// Operation names attached to backchannel requests.
const (
	OpToken      = "token"
	OpIntrospect = "introspect"
	OpLogout     = "logout"
	OpUserInfo   = "userinfo"
	OpProbe      = "probe"
	OpDiscovery  = "discovery"
)

// Observer receives one observation per backchannel round trip.
// outcome is "ok", "error_status" or "transport_error".
type Observer interface {
	ObserveBackchannel(op, outcome string, d time.Duration)
}

type operationKey struct{}

func withOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

func operationFrom(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey{}).(string); ok {
		return op
	}
	return "unknown"
}

// instrumentedTransport wraps an http.RoundTripper with rate limiting,
// tracing and metrics.
type instrumentedTransport struct {
	base     http.RoundTripper
	limiter  *rate.Limiter
	observer Observer
	tracer   trace.Tracer
}

func newInstrumentedTransport(base http.RoundTripper, limiter *rate.Limiter, observer Observer) *instrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &instrumentedTransport{
		base:     base,
		limiter:  limiter,
		observer: observer,
		tracer:   otel.Tracer(tracerName),
	}
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	op := operationFrom(ctx)

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			t.observe(op, "transport_error", 0)
			return nil, fmt.Errorf("rate limit %s: %w", op, err)
		}
	}

	ctx, span := t.tracer.Start(ctx, "oidc."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.URL.Host),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		t.observe(op, "transport_error", elapsed)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	outcome := "ok"
	if resp.StatusCode >= 300 {
		outcome = "error_status"
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	t.observe(op, outcome, elapsed)
	return resp, nil
}

func (t *instrumentedTransport) observe(op, outcome string, d time.Duration) {
	if t.observer != nil {
		t.observer.ObserveBackchannel(op, outcome, d)
	}
}
