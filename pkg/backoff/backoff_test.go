package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Minute, RetryDelay(1))
	assert.Equal(t, 4*time.Minute, RetryDelay(2))
	assert.Equal(t, 8*time.Minute, RetryDelay(3))
	assert.Equal(t, 2*time.Minute, RetryDelay(0))
}
