package domain_test

import (
	"testing"
	"time"

	"compress-queue/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Schedule(t *testing.T) {
	p := domain.DefaultRetryPolicy()

	assert.Equal(t, 60*time.Second, p.NextDelay(1))
	assert.Equal(t, 300*time.Second, p.NextDelay(2))
	assert.Equal(t, 900*time.Second, p.NextDelay(3))
}

func TestRetryPolicy_ClampsOutOfRangeAttempts(t *testing.T) {
	p := domain.DefaultRetryPolicy()

	// Below 1 and above the schedule reuse the nearest tier.
	assert.Equal(t, 60*time.Second, p.NextDelay(0))
	assert.Equal(t, 60*time.Second, p.NextDelay(-3))
	assert.Equal(t, 900*time.Second, p.NextDelay(4))
	assert.Equal(t, 900*time.Second, p.NextDelay(100))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := domain.DefaultRetryPolicy()

	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestRetryPolicy_EmptySchedule(t *testing.T) {
	p := domain.RetryPolicy{MaxAttempts: 1}
	assert.Equal(t, time.Duration(0), p.NextDelay(1))
}
