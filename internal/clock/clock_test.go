package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestSystemNowUTC ensures the clock returns UTC timestamps.
func TestSystemNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := NewSystem().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
}

func TestManualAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	clk := NewManual(start)
	require.Equal(t, start.UTC(), clk.Now())

	clk.Advance(90 * time.Minute)
	require.Equal(t, start.Add(90*time.Minute).UTC(), clk.Now())

	target := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	clk.Set(target)
	require.Equal(t, target, clk.Now())
}
