package ratelimit

import (
	"sync"
	"time"
)

const ringSize = 1024

// Stats keeps a bounded, process-local ring buffer of recent admitted
// requests per IP. It feeds the operational endpoints only; admission never
// reads it.
type Stats struct {
	shards [shardCount]*statsShard
}

type statsShard struct {
	mu      sync.Mutex
	entries map[string]*ipRing
}

type ipRing struct {
	events   [ringSize]statEvent
	head     int
	count    int
	lastSeen time.Time
}

type statEvent struct {
	at   time.Time
	path string
}

// IPStats is the per-IP view served by the ops API.
type IPStats struct {
	RequestsLastMinute int            `json:"requests_last_minute"`
	RequestsLastHour   int            `json:"requests_last_hour"`
	Endpoints          map[string]int `json:"endpoints"`
}

func NewStats() *Stats {
	s := &Stats{}
	for i := range s.shards {
		s.shards[i] = &statsShard{entries: make(map[string]*ipRing)}
	}
	return s
}

func (s *Stats) Record(ip, path string, now time.Time) {
	shard := s.shards[shardIndex(ip)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	r, ok := shard.entries[ip]
	if !ok {
		r = &ipRing{}
		shard.entries[ip] = r
	}
	r.events[r.head] = statEvent{at: now, path: path}
	r.head = (r.head + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}
	r.lastSeen = now
}

func (s *Stats) SnapshotIP(ip string, now time.Time) IPStats {
	out := IPStats{Endpoints: make(map[string]int)}

	shard := s.shards[shardIndex(ip)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	r, ok := shard.entries[ip]
	if !ok {
		return out
	}
	minuteCutoff := now.Add(-time.Minute)
	hourCutoff := now.Add(-time.Hour)
	for i := 0; i < r.count; i++ {
		ev := r.events[(r.head-1-i+ringSize*2)%ringSize]
		if ev.at.Before(hourCutoff) {
			break // ring is in insertion order, older entries follow
		}
		out.RequestsLastHour++
		out.Endpoints[ev.path]++
		if ev.at.After(minuteCutoff) {
			out.RequestsLastMinute++
		}
	}
	return out
}

func (s *Stats) sweep(cutoff time.Time) int {
	evicted := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for ip, r := range shard.entries {
			if r.lastSeen.Before(cutoff) {
				delete(shard.entries, ip)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}
