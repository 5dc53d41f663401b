package cache

import (
	"hash/fnv"
	"time"
)

const defaultShardCount = 16

// Cache is implemented by LRU and Sharded.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Delete(key K)
	Purge()
	Len() int
	Stats() Stats
}

var (
	_ Cache[string, int] = (*LRU[string, int])(nil)
	_ Cache[string, int] = (*Sharded[int])(nil)
)

// Sharded spreads string keys over independent LRUs by FNV-32a hash so
// concurrent verification workers rarely contend on the same lock.
type Sharded[V any] struct {
	shards []*LRU[string, V]
}

// NewSharded splits totalCapacity evenly over shardCount shards
// (defaultShardCount when shardCount <= 0).
func NewSharded[V any](totalCapacity, shardCount int, ttl time.Duration, opts ...Option) *Sharded[V] {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	perShard := totalCapacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	s := &Sharded[V]{shards: make([]*LRU[string, V], shardCount)}
	for i := range s.shards {
		s.shards[i] = NewLRU[string, V](perShard, ttl, opts...)
	}
	return s
}

func (s *Sharded[V]) shard(key string) *LRU[string, V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Sharded[V]) Get(key string) (V, bool) { return s.shard(key).Get(key) }

func (s *Sharded[V]) Set(key string, value V) { s.shard(key).Set(key, value) }

func (s *Sharded[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	s.shard(key).SetWithTTL(key, value, ttl)
}

func (s *Sharded[V]) Delete(key string) { s.shard(key).Delete(key) }

func (s *Sharded[V]) Purge() {
	for _, sh := range s.shards {
		sh.Purge()
	}
}

func (s *Sharded[V]) Len() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.Len()
	}
	return total
}

// Stats sums the counters of every shard.
func (s *Sharded[V]) Stats() Stats {
	var out Stats
	for _, sh := range s.shards {
		st := sh.Stats()
		out.Hits += st.Hits
		out.Misses += st.Misses
		out.Evictions += st.Evictions
	}
	return out
}
