package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetAndGet(t *testing.T) {
	c := New[string](5 * time.Minute)
	defer c.Close()

	c.Set("ACC10001", "cust-anita")
	owner, ok := c.Get("ACC10001")
	require.True(t, ok)
	assert.Equal(t, "cust-anita", owner)
}

func TestCache_GetMiss(t *testing.T) {
	c := New[string](5 * time.Minute)
	defer c.Close()

	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestCache_Expiration(t *testing.T) {
	c := New[string](time.Hour)
	defer c.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("ACC10001", "cust-anita")
	now = now.Add(2 * time.Hour)

	_, ok := c.Get("ACC10001")
	assert.False(t, ok, "entry should be expired")

	c.evictExpired()
	assert.Equal(t, 0, c.Len())
}

func TestCache_Delete(t *testing.T) {
	c := New[string](5 * time.Minute)
	defer c.Close()

	c.Set("ACC10001", "cust-anita")
	c.Delete("ACC10001")

	_, ok := c.Get("ACC10001")
	assert.False(t, ok)
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New[int](time.Minute)
	c.Close()
	c.Close()

	c.Set("n", 1)
	v, ok := c.Get("n")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}
