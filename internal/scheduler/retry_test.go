package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	b := DefaultBackoff()

	assert.Equal(t, 30*time.Second, b.NextRetry(0))
	assert.Equal(t, time.Minute, b.NextRetry(1))
	assert.Equal(t, 2*time.Minute, b.NextRetry(2))
	assert.Equal(t, 16*time.Minute, b.NextRetry(5))
	assert.Equal(t, 30*time.Minute, b.NextRetry(6))
	assert.Equal(t, 30*time.Minute, b.NextRetry(1000))
	assert.Equal(t, 30*time.Second, b.NextRetry(-1))

	assert.NoError(t, b.Validate())
	assert.Error(t, (&ExponentialBackoff{InitialDelay: time.Second, Multiplier: 0.5}).Validate())
	assert.Error(t, (&ExponentialBackoff{InitialDelay: time.Minute, MaxDelay: time.Second, Multiplier: 2}).Validate())
}
