package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-worker/internal/clock"
)

func TestLimiterAllowsBurstThenBlocks(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{RPS: 1, Burst: 2}, clk)

	require.True(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.1"))
	require.False(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.2"), "keys are independent")

	clk.Advance(time.Second)
	require.True(t, l.Allow("10.0.0.1"))
	require.False(t, l.Allow("10.0.0.1"))
}

func TestLimiterDisabledWithZeroRPS(t *testing.T) {
	t.Parallel()

	l := New(Config{}, clock.NewSystem())
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("client"))
	}
}

func TestLimiterPrune(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{RPS: 1, Burst: 1, IdleTTL: time.Minute}, clk)
	l.Allow("old")
	clk.Advance(2 * time.Minute)
	l.Allow("fresh")

	require.Equal(t, 1, l.Prune())
	require.Equal(t, 1, l.Len())
}
