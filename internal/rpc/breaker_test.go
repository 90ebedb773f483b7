package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker("test", BreakerConfig{
		MinSamples:     4,
		ErrorThreshold: 0.5,
		Cooldown:       30 * time.Second,
	})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerStaysClosedBelowMinSamples(t *testing.T) {
	b, _ := newTestBreaker(t)

	// Three straight failures: below the minimum sample volume, so the
	// circuit must not trip yet.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerOpensAtErrorThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.Success()
	b.Success()
	b.Failure()
	b.Failure() // 2/4 = threshold crossed with min samples met

	require.Equal(t, StateOpen, b.State())
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerOpenIsServiceUnavailable(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 4; i++ {
		b.Failure()
	}

	// A breaker fast-fail is one flavor of unavailability, so callers
	// matching either sentinel see it.
	err := b.Allow()
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	require.Equal(t, StateOpen, b.State())

	// Before cooldown: rejected.
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// After cooldown: exactly one probe allowed.
	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// Probe success closes the circuit.
	b.Success()
	require.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 4; i++ {
		b.Failure()
	}

	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()

	require.Equal(t, StateOpen, b.State())
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}
