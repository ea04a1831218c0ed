package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingOp() error { return errBoom }
func okOp() error      { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute, 1)

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.State())
		err := b.Do(failingOp)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b := NewBreaker(1, time.Minute, 1)
	require.Error(t, b.Do(failingOp))
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "operation must not run while the breaker is open")
}

func TestBreakerHalfOpenClosesOnSuccess(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond, 1)
	require.Error(t, b.Do(failingOp))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	err := b.Do(okOp)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond, 1)
	require.Error(t, b.Do(failingOp))

	time.Sleep(20 * time.Millisecond)

	err := b.Do(failingOp)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	// And it stays closed to traffic again.
	assert.ErrorIs(t, b.Do(okOp), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute, 1)
	require.Error(t, b.Do(failingOp))
	require.Error(t, b.Do(failingOp))
	require.NoError(t, b.Do(okOp))
	assert.Equal(t, 0, b.Failures())

	// Two more failures should not trip a threshold of three.
	require.Error(t, b.Do(failingOp))
	require.Error(t, b.Do(failingOp))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond, 1)
	var transitions []BreakerState
	b.OnStateChange = func(from, to BreakerState) {
		transitions = append(transitions, to)
	}

	require.Error(t, b.Do(failingOp))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Do(okOp))

	assert.Equal(t, []BreakerState{StateOpen, StateHalfOpen, StateClosed}, transitions)
}
