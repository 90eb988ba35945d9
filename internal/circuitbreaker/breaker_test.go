package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(now *time.Time) *Breaker {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: 30 * time.Second})
	b.nowFn = func() time.Time { return *now }
	return b
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.GetState())
	}
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.GetState())

	now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())
}

func TestBreaker_ClosesAfterSuccesses(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.GetState())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())
}

func TestBreaker_Do(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(func() error { return boom }), boom)
	}
	calls := 0
	err := b.Do(func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls, "open breaker must not invoke fn")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
