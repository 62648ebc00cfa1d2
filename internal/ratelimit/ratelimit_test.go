package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterNoopWhenClientNil(t *testing.T) {
	l := New(nil, nil, false)
	res := l.Allow(context.Background(), Rule{Prefix: "sanctions-api", Limit: 5, Window: time.Second}, "provider-1")
	require.True(t, res.Allowed)
	require.Equal(t, 5, res.Remaining)
}

func TestFormatHeadersReflectsResult(t *testing.T) {
	res := Result{Allowed: true, Limit: 10, Remaining: 3, ResetAt: time.Now().Add(time.Second)}
	headers := res.FormatHeaders()
	require.Equal(t, "10", headers["X-RateLimit-Limit"])
	require.Equal(t, "3", headers["X-RateLimit-Remaining"])
}

func TestAsProviderLimiterAdaptsMemoryLimiter(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer func() { _ = m.Close() }()
	pl := AsProviderLimiter(m)

	ok, err := pl.Allow(context.Background(), "provider-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = pl.Allow(context.Background(), "provider-1")
	require.NoError(t, err)
	require.False(t, ok, "burst of 1 should reject the second immediate call")
}
