// Package requestcontext provides HTTP-independent context accessors for the
// request-scoped values the audit logger reads.
//
// Middleware in the calling application sets them once per request:
//
//	ctx = requestcontext.WithRequestID(ctx, id)
//	ctx = requestcontext.WithClient(ctx, ip, userAgent)
//	ctx = requestcontext.WithPerformance(ctx, perf.NewCollector())
//
// Tests pin the clock with WithTime.
package requestcontext

import (
	"context"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes/perf"
)

type (
	requestIDKey   struct{}
	clientIPKey    struct{}
	userAgentKey   struct{}
	requestTimeKey struct{}
	perfKey        struct{}
)

// RequestID returns the correlation id of the current request, or "".
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// ClientIP returns the caller's address, or "".
func ClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey{}).(string); ok {
		return v
	}
	return ""
}

// UserAgent returns the raw caller user agent, or "".
func UserAgent(ctx context.Context) string {
	if v, ok := ctx.Value(userAgentKey{}).(string); ok {
		return v
	}
	return ""
}

// WithClient injects the caller's network metadata.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, ip)
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}

// Now returns the pinned request time if set, otherwise the wall clock.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime pins the request time.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}

// Performance returns the request's collector, or nil.
func Performance(ctx context.Context) *perf.Collector {
	if c, ok := ctx.Value(perfKey{}).(*perf.Collector); ok {
		return c
	}
	return nil
}

func WithPerformance(ctx context.Context, c *perf.Collector) context.Context {
	return context.WithValue(ctx, perfKey{}, c)
}
