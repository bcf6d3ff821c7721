package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := NewBreaker(Config{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_RecoversAfterTimeout(t *testing.T) {
	b := NewBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailedHalfOpenReopens(t *testing.T) {
	b := NewBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond})
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := NewBreaker(Config{FailureThreshold: 2})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State(), "should not trip since failure streak was reset")
}
