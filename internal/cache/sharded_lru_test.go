package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharded_GetSetDelete(t *testing.T) {
	s := NewSharded[int](64, 4, time.Minute)
	s.Set("0xaa", 1)
	s.Set("0xbb", 2)

	v, ok := s.Get("0xaa")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, s.Len())

	s.Delete("0xaa")
	_, ok = s.Get("0xaa")
	assert.False(t, ok)

	st := s.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

func TestSharded_DefaultsAndMinimumShardSize(t *testing.T) {
	s := NewSharded[int](4, 0, time.Minute)
	assert.Len(t, s.shards, defaultShardCount)
	for _, sh := range s.shards {
		assert.Equal(t, 1, sh.capacity)
	}
}

func TestSharded_StableShardSelection(t *testing.T) {
	s := NewSharded[int](64, 8, time.Minute)
	assert.Same(t, s.shard("0xdeadbeef"), s.shard("0xdeadbeef"))
}

func TestSharded_ExpiryUsesClock(t *testing.T) {
	clk := newClock()
	s := NewSharded[string](16, 2, 5*time.Minute, WithClock(clk.Now))
	s.Set("tx", "r")
	s.SetWithTTL("tx2", "r", time.Hour)
	clk.Advance(6 * time.Minute)

	_, ok := s.Get("tx")
	assert.False(t, ok)
	_, ok = s.Get("tx2")
	assert.True(t, ok)
}

func TestSharded_Purge(t *testing.T) {
	s := NewSharded[int](64, 4, time.Minute)
	for i := 0; i < 20; i++ {
		s.Set(fmt.Sprintf("k%d", i), i)
	}
	s.Purge()
	assert.Zero(t, s.Len())
}

func TestSharded_Concurrent(t *testing.T) {
	s := NewSharded[int](1024, 16, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				k := fmt.Sprintf("0x%x-%d", n, j)
				s.Set(k, j)
				s.Get(k)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 1024)
}
