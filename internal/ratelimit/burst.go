package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"validator-gateway/internal/store"
	"validator-gateway/internal/util"
)

const penaltyKeyPrefix = "penalty:"

// BurstDetector keeps a sliding window of request timestamps per IP and
// applies a time-boxed penalty when the sustained rate runs far above the
// IP's nominal budget. The penalty is independent of the token buckets: a
// penalized IP is denied outright until the penalty lapses.
type BurstDetector struct {
	window     time.Duration
	budget     float64 // nominal requests per window, regular tier
	multiplier float64
	penalty    time.Duration
	counters   store.CounterStore

	shards [shardCount]*burstShard
}

type burstShard struct {
	mu      sync.Mutex
	entries map[string]*burstState
}

type burstState struct {
	times        []time.Time
	penaltyUntil time.Time
	detections   int64
	lastSeen     time.Time
}

func NewBurstDetector(window time.Duration, nominalBudget, multiplier float64, penalty time.Duration, counters store.CounterStore) *BurstDetector {
	d := &BurstDetector{
		window:     window,
		budget:     nominalBudget,
		multiplier: multiplier,
		penalty:    penalty,
		counters:   counters,
	}
	for i := range d.shards {
		d.shards[i] = &burstShard{entries: make(map[string]*burstState)}
	}
	return d
}

// Check records one request for ip and reports whether it is admitted.
// tierMult scales the nominal budget so higher tiers are not flagged for
// traffic they are entitled to.
func (d *BurstDetector) Check(ctx context.Context, ip string, tierMult float64, now time.Time) bool {
	shard := d.shardFor(ip)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	st, ok := shard.entries[ip]
	if !ok {
		st = &burstState{}
		shard.entries[ip] = st
	}
	st.lastSeen = now

	if now.Before(st.penaltyUntil) {
		return false
	}

	// A penalty set by another replica lives only in the counter store.
	// Fail open on store errors: a local window re-triggers quickly anyway.
	if n, err := d.counters.GetInt(ctx, penaltyKeyPrefix+ip); err != nil {
		util.Debug("penalty lookup failed", zap.String("ip", ip), zap.Error(err))
	} else if n > 0 {
		st.penaltyUntil = now.Add(d.penalty)
		return false
	}

	// Prune and append within the window.
	cutoff := now.Add(-d.window)
	kept := st.times[:0]
	for _, t := range st.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.times = append(kept, now)

	limit := d.budget * tierMult * d.multiplier
	if float64(len(st.times)) <= limit {
		return true
	}

	st.penaltyUntil = now.Add(d.penalty)
	st.detections++
	st.times = st.times[:0]
	if _, err := d.counters.IncrementAndExpire(ctx, penaltyKeyPrefix+ip, d.penalty); err != nil {
		util.Warn("failed to persist burst penalty", zap.String("ip", ip), zap.Error(err))
	}
	util.Warn("burst penalty applied",
		zap.String("ip", ip),
		zap.Int("window_count", len(kept)+1),
		zap.Float64("limit", limit),
		zap.Duration("penalty", d.penalty))
	return false
}

// Detections reports how many times ip has tripped burst detection.
func (d *BurstDetector) Detections(ip string) int64 {
	shard := d.shardFor(ip)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if st, ok := shard.entries[ip]; ok {
		return st.detections
	}
	return 0
}

func (d *BurstDetector) shardFor(ip string) *burstShard {
	return d.shards[shardIndex(ip)]
}

func (d *BurstDetector) sweep(cutoff time.Time) int {
	evicted := 0
	for _, shard := range d.shards {
		shard.mu.Lock()
		for ip, st := range shard.entries {
			if st.lastSeen.Before(cutoff) && cutoff.After(st.penaltyUntil) {
				delete(shard.entries, ip)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}
