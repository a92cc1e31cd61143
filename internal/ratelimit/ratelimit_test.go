package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestParse(t *testing.T) {
	cases := map[string]rate.Limit{
		"":       rate.Inf,
		"0":      rate.Inf,
		"5":      5,
		"10/s":   10,
		"120/m":  2,
		"7200/h": 2,
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"x/s", "10/d", "-1"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestUnlimitedNeverBlocks(t *testing.T) {
	l, err := New("", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx, "tasks.add"))
	}
}

func TestPerTaskOverride(t *testing.T) {
	l, err := New("", map[string]string{"slow": "1/h"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Wait(ctx, "slow"))
	assert.Error(t, l.Wait(ctx, "slow"))
	assert.NoError(t, l.Wait(ctx, "fast"))
}

func TestNilLimiter(t *testing.T) {
	var l *Limiter
	assert.NoError(t, l.Wait(context.Background(), "any"))
}

func TestNewRejectsBadOverride(t *testing.T) {
	_, err := New("1/s", map[string]string{"x": "bogus"})
	assert.Error(t, err)
}

func TestOverrideNamesAreLowercased(t *testing.T) {
	l, err := New("", map[string]string{"Tasks.Slow": "1/h"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Wait(ctx, "tasks.slow"))
	assert.Error(t, l.Wait(ctx, "tasks.slow"))
}
