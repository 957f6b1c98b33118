package requestcontext

import (
	"context"
	"testing"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes/perf"
	"github.com/stretchr/testify/assert"
)

func TestAccessors_Defaults(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, ClientIP(ctx))
	assert.Empty(t, UserAgent(ctx))
	assert.Nil(t, Performance(ctx))
	assert.WithinDuration(t, time.Now(), Now(ctx), time.Second)
}

func TestAccessors_RoundTrip(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := perf.NewCollector()

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithClient(ctx, "10.0.0.7", "curl/8.0")
	ctx = WithTime(ctx, fixed)
	ctx = WithPerformance(ctx, c)

	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "10.0.0.7", ClientIP(ctx))
	assert.Equal(t, "curl/8.0", UserAgent(ctx))
	assert.Equal(t, fixed, Now(ctx))
	assert.Same(t, c, Performance(ctx))
}
