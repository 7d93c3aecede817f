package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTimeout = errors.New("timeout")

func newTestBreaker(threshold int, states *[]CircuitBreakerState) (*DefaultCircuitBreaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewDefaultCircuitBreaker(threshold, time.Minute, func(state CircuitBreakerState) {
		if states != nil {
			*states = append(*states, state)
		}
	})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestDefaultCircuitBreaker(t *testing.T) {
	var states []CircuitBreakerState
	cb, now := newTestBreaker(3, &states)
	ctx := context.Background()
	fail := func() error { return errTimeout }

	assert.Equal(t, StateClosed, cb.State())
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errTimeout)
		assert.Equal(t, StateClosed, cb.State())
	}

	assert.ErrorIs(t, cb.Execute(ctx, fail), errTimeout)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen)

	*now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}, states)
}

func TestDefaultCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, now := newTestBreaker(1, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errTimeout })
	*now = now.Add(time.Minute)

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return errTimeout }), errTimeout)
	assert.Equal(t, StateOpen, cb.State())

	*now = now.Add(30 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen, "the timeout restarts")
}

func TestDefaultCircuitBreaker_SingleProbe(t *testing.T) {
	cb, now := newTestBreaker(1, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errTimeout })
	*now = now.Add(time.Minute)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(ctx, func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()

	<-inProbe
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen)
	close(release)
	wg.Wait()

	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
}

func TestDefaultCircuitBreaker_RecordStateErrorsDoNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(2, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func() error { return ErrSubscriptionNotFound })
		assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	}
	assert.Equal(t, StateClosed, cb.State())

	// A record-state error also resets the failure streak
	_ = cb.Execute(ctx, func() error { return errTimeout })
	_ = cb.Execute(ctx, func() error { return ErrQuotaExceeded })
	_ = cb.Execute(ctx, func() error { return errTimeout })
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_CanceledCallersDoNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func() error { return ctx.Err() })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestNewDefaultCircuitBreaker_DefaultThreshold(t *testing.T) {
	cb, _ := newTestBreaker(0, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, func() error { return errTimeout })
	}
	assert.Equal(t, StateClosed, cb.State())
	_ = cb.Execute(ctx, func() error { return errTimeout })
	assert.Equal(t, StateOpen, cb.State())
}
