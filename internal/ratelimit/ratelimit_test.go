package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurst(t *testing.T) {
	limiter := NewLimiter(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(), "request %d should pass", i)
	}
	assert.False(t, limiter.Allow())
}

func TestLimiterAllowN(t *testing.T) {
	limiter := NewLimiter(1, 5)

	assert.True(t, limiter.AllowN(4))
	assert.False(t, limiter.AllowN(4))
}

func TestClientLimitersAreIndependent(t *testing.T) {
	cl := NewClientLimiters(1, 1)
	defer cl.Stop()

	assert.True(t, cl.Allow("a"))
	assert.False(t, cl.Allow("a"))
	assert.True(t, cl.Allow("b"))
	assert.Same(t, cl.Get("a"), cl.Get("a"))
	assert.Equal(t, 2, cl.Len())

	cl.Remove("a")
	assert.Equal(t, 1, cl.Len())
	assert.True(t, cl.Allow("a"))

	cl.Stop()
	cl.Stop()
}
