package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_BasicGetPut(t *testing.T) {
	c := NewLRU[string, int](10, 5*time.Minute)

	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU[string, int](3, 5*time.Minute)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Access "a" to make it recently used.
	c.Get("a")

	// Adding "d" should evict "b" (least recently used).
	c.Put("d", 4)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")

	v, ok := c.Get("a")
	assert.True(t, ok, "a should still exist")
	assert.Equal(t, 1, v)
}

func TestLRU_TTLExpiration(t *testing.T) {
	c := NewLRU[string, bool](10, time.Minute)

	now := time.Now()
	c.SetNowFunc(func() time.Time { return now })

	c.Put("a", true)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.True(t, v)

	c.SetNowFunc(func() time.Time { return now.Add(2 * time.Minute) })

	_, ok = c.Get("a")
	assert.False(t, ok, "entry should have expired")
}

func TestLRU_Remove(t *testing.T) {
	c := NewLRU[string, int](10, 5*time.Minute)

	c.Put("a", 1)
	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestLRU_RemoveFunc(t *testing.T) {
	c := NewLRU[string, int](10, 5*time.Minute)

	c.Put("0xabc|1", 1)
	c.Put("0xabc|137", 2)
	c.Put("0xdef|1", 3)

	n := c.RemoveFunc(func(k string) bool { return strings.HasPrefix(k, "0xabc|") })
	assert.Equal(t, 2, n)

	_, ok := c.Get("0xdef|1")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestLRU_Stats(t *testing.T) {
	c := NewLRU[string, int](10, 5*time.Minute)

	c.Put("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}
