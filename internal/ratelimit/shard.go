package ratelimit

import (
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

const shardCount = 64

// shardedBuckets spreads per-key bucket state over fixed shards so a
// churning botnet of distinct sources contends on 1/64th of a lock, not one
// global one. Shard selection hashes the key with murmur3.
type shardedBuckets struct {
	shards [shardCount]*bucketShard
}

type bucketShard struct {
	mu      sync.Mutex
	entries map[string]*bucketEntry
}

type bucketEntry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

func newShardedBuckets() *shardedBuckets {
	s := &shardedBuckets{}
	for i := range s.shards {
		s.shards[i] = &bucketShard{entries: make(map[string]*bucketEntry)}
	}
	return s
}

func shardIndex(key string) uint32 {
	return murmur3.Sum32([]byte(key)) % shardCount
}

func (s *shardedBuckets) shardFor(key string) *bucketShard {
	return s.shards[shardIndex(key)]
}

// getOrCreate returns the bucket for key, creating it with mk on first use.
func (s *shardedBuckets) getOrCreate(key string, now time.Time, mk func() *TokenBucket) *TokenBucket {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	ent, ok := shard.entries[key]
	if !ok {
		ent = &bucketEntry{bucket: mk()}
		shard.entries[key] = ent
	}
	ent.lastSeen = now
	return ent.bucket
}

// get returns the bucket without creating or refreshing it.
func (s *shardedBuckets) get(key string) (*TokenBucket, bool) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	ent, ok := shard.entries[key]
	if !ok {
		return nil, false
	}
	return ent.bucket, true
}

// sweep drops entries idle since before cutoff, returning how many were
// evicted.
func (s *shardedBuckets) sweep(cutoff time.Time) int {
	evicted := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, ent := range shard.entries {
			if ent.lastSeen.Before(cutoff) {
				delete(shard.entries, key)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}

func (s *shardedBuckets) len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		n += len(shard.entries)
		shard.mu.Unlock()
	}
	return n
}
