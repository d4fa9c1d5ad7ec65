package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBudget(t *testing.T) {
	l := New(time.Minute, 3)

	for i := 0; i < 3; i++ {
		d := l.Allow("client-a")
		assert.True(t, d.Allowed, "request %d should pass", i)
		assert.Equal(t, int64(3), d.Limit)
	}

	d := l.Allow("client-a")
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Second)
	assert.True(t, d.Reset.After(time.Now()))
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(time.Minute, 1)

	assert.True(t, l.Allow("client-a").Allowed)
	assert.False(t, l.Allow("client-a").Allowed)
	assert.True(t, l.Allow("client-b").Allowed)
}

func TestRemainingCountsDown(t *testing.T) {
	l := New(time.Minute, 5)

	first := l.Allow("client-a")
	second := l.Allow("client-a")
	assert.Equal(t, int64(4), first.Remaining)
	assert.Equal(t, int64(3), second.Remaining)
}
