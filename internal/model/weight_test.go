package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampWeightBounds(t *testing.T) {
	assert.Equal(t, 0.1, ClampWeight(0.0001))
	assert.Equal(t, 5.0, ClampWeight(1000))
	assert.Equal(t, 2.0, ClampWeight(2.0))
}

func TestWeightRecordSuccessMonotonicWithFasterResponses(t *testing.T) {
	w := NewWeight()
	w.RecordSuccess(500)
	slow := w.Value
	w.AvgRTMS = 0 // reset to isolate the second sample
	w.RecordSuccess(50)
	fast := w.Value
	assert.Greater(t, fast, slow)
}

func TestWeightNewIsMaximal(t *testing.T) {
	w := NewWeight()
	assert.Equal(t, maxWeight, w.Value)
}

func TestBreakerOpensAfterThreeConsecutiveFailures(t *testing.T) {
	b := NewBreaker()
	now := time.Now()
	assert.True(t, b.CanExecute(now))

	b.RecordFailure(now)
	b.RecordFailure(now)
	assert.Equal(t, BreakerClosed, b.State)

	b.RecordFailure(now)
	assert.Equal(t, BreakerOpen, b.State)
	assert.False(t, b.CanExecute(now))
}

func TestBreakerHalfOpenAfterDeadline(t *testing.T) {
	b := NewBreaker()
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordFailure(now)
	assert.Equal(t, BreakerOpen, b.State)

	assert.False(t, b.CanExecute(now.Add(29*time.Second)))
	assert.True(t, b.CanExecute(now.Add(31*time.Second)))
	assert.Equal(t, BreakerHalfOpen, b.State)
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := NewBreaker()
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.CanExecute(now.Add(31 * time.Second))
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State)
	assert.Equal(t, 0, b.ConsecutiveFails)
}

func TestBreakerHalfOpenFailureReopensWithFreshDeadline(t *testing.T) {
	b := NewBreaker()
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordFailure(now)
	retryAt := now.Add(31 * time.Second)
	b.CanExecute(retryAt)
	b.RecordFailure(retryAt)
	assert.Equal(t, BreakerOpen, b.State)
	assert.Equal(t, retryAt.Add(breakerOpenDuration), b.NextRetryAt)
}
