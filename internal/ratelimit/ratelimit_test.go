package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowsBurstUpToCapacity(t *testing.T) {
	tb := NewTokenBucket(3, 1.0)

	for i := 0; i < 3; i++ {
		res := tb.Allow()
		require.True(t, res.Allowed, "request %d should be allowed within burst capacity", i)
	}

	res := tb.Allow()
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter.Seconds(), 0.0)
}

func TestLimiterChecksIndependentKeys(t *testing.T) {
	l := NewLimiter(Config{WindowSeconds: 60, MaxRequests: 1, Burst: 1})
	defer l.Close()

	a := l.Check(context.Background(), "org-a")
	require.True(t, a.Allowed)

	aAgain := l.Check(context.Background(), "org-a")
	require.False(t, aAgain.Allowed)

	b := l.Check(context.Background(), "org-b")
	require.True(t, b.Allowed, "a separate key must have its own bucket")
}

func TestZeroedOnFailureFailsOpen(t *testing.T) {
	res := ZeroedOnFailure()
	require.True(t, res.Allowed)
	require.Equal(t, 0, res.Limit)
}
