package olympus

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes/audit"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes/perf"
	"github.com/mnemosyne-audit/mnemosyne/pkg/requestcontext"
)

// RequestIDHeader carries the correlation id in and out.
const RequestIDHeader = "X-Request-ID"

// PerformanceLogger writes a request's performance summary.
// *audit.Logger implements it.
type PerformanceLogger interface {
	LogPerformance(ctx context.Context, c *perf.Collector, ev audit.Event) (*domain.LogEntry, error)
}

// AuditContext stamps each request with the values the audit logger reads:
// request id, client address, user agent and a fresh performance collector.
// When perfLog is non-nil the request's performance summary is logged after
// the handler returns. A failure there is escalated by the logger and never
// affects the response.
func AuditContext(perfLog PerformanceLogger, next http.Handler, opts ...perf.Option) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		collector := perf.NewCollector(opts...)
		ctx := requestcontext.WithRequestID(r.Context(), id)
		ctx = requestcontext.WithClient(ctx, clientIP(r), r.UserAgent())
		ctx = requestcontext.WithPerformance(ctx, collector)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if perfLog == nil {
			return
		}
		result := domain.ResultSuccess
		if rec.status >= http.StatusInternalServerError {
			result = domain.ResultFailure
		}
		_, _ = perfLog.LogPerformance(context.WithoutCancel(ctx), collector, audit.Event{
			Result: result,
			Details: map[string]any{
				"method": r.Method,
				"status": rec.status,
			},
		})
	})
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
