// Package ratelimit decides admit/deny for a given (IP, path) in O(1)
// amortized time with bounded memory. Gates are evaluated in a fixed order
// — global, IP, endpoint, burst — with the adaptive load factor applied at
// IP-bucket consume time; the first failing gate wins.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"validator-gateway/internal/config"
	"validator-gateway/internal/store"
	"validator-gateway/internal/util"
)

// DenyReason identifies the gate that rejected a request.
type DenyReason string

const (
	DenyNone     DenyReason = ""
	DenyGlobal   DenyReason = "global"
	DenyIP       DenyReason = "ip"
	DenyEndpoint DenyReason = "endpoint"
	DenyBurst    DenyReason = "burst"
)

type Decision struct {
	Allowed bool
	Reason  DenyReason
}

type Limiter struct {
	cfg       config.RateLimitConfig
	global    *rate.Limiter
	tiers     *TierSet
	ipBuckets *shardedBuckets
	epBuckets *shardedBuckets
	burst     *BurstDetector
	load      *LoadFactor
	stats     *Stats
	counters  store.CounterStore

	// Now is overridable in tests.
	Now func() time.Time
}

func NewLimiter(cfg config.RateLimitConfig, counters store.CounterStore) *Limiter {
	nominalBudget := cfg.IPBaseRPS * cfg.BurstWindow.Seconds()
	return &Limiter{
		cfg:       cfg,
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		tiers:     NewTierSet(cfg.PremiumIPs, cfg.VIPIPs, cfg.PremiumMultiplier, cfg.VIPMultiplier),
		ipBuckets: newShardedBuckets(),
		epBuckets: newShardedBuckets(),
		burst:     NewBurstDetector(cfg.BurstWindow, nominalBudget, cfg.BurstMultiplier, cfg.PenaltyDuration, counters),
		load:      NewLoadFactor(),
		stats:     NewStats(),
		counters:  counters,
		Now:       time.Now,
	}
}

// Allow runs the admission gates for one request.
func (l *Limiter) Allow(ctx context.Context, ip, path string) Decision {
	now := l.Now()

	if !l.global.AllowN(now, 1) {
		return Decision{Reason: DenyGlobal}
	}

	mult := l.tiers.Multiplier(ip)
	capFactor := 1.0
	if l.tiers.Tier(ip) == TierRegular {
		capFactor = l.load.Factor()
	}

	ipBucket := l.ipBuckets.getOrCreate("ip:"+ip, now, func() *TokenBucket {
		return NewTokenBucket(l.cfg.IPBurst*mult, l.cfg.IPBaseRPS*mult, now)
	})
	if !ipBucket.Consume(now, capFactor) {
		return Decision{Reason: DenyIP}
	}

	if ep := l.matchEndpoint(path); ep != nil {
		key := "endpoint:" + ip + ":" + ep.Prefix
		epBucket := l.epBuckets.getOrCreate(key, now, func() *TokenBucket {
			return NewTokenBucket(ep.Burst, ep.RPS, now)
		})
		if !epBucket.Consume(now, 1) {
			return Decision{Reason: DenyEndpoint}
		}
	}

	if !l.burst.Check(ctx, ip, mult, now) {
		return Decision{Reason: DenyBurst}
	}

	// Admitted: feed the local analytics ring and the cross-process counter.
	// Both are observability-only; a failing store never blocks admission.
	l.stats.Record(ip, path, now)
	if _, err := l.counters.IncrementAndExpire(ctx, "stats:requests:"+ip, time.Hour); err != nil {
		util.Debug("request counter write failed", zap.String("ip", ip), zap.Error(err))
	}
	return Decision{Allowed: true}
}

func (l *Limiter) matchEndpoint(path string) *config.EndpointLimit {
	for i := range l.cfg.EndpointLimits {
		if strings.HasPrefix(path, l.cfg.EndpointLimits[i].Prefix) {
			return &l.cfg.EndpointLimits[i]
		}
	}
	return nil
}

// LoadFactor exposes the adaptive modifier for wiring to the sampler.
func (l *Limiter) LoadFactor() *LoadFactor {
	return l.load
}

func (l *Limiter) Tier(ip string) Tier {
	return l.tiers.Tier(ip)
}

// RemainingTokens reports the IP bucket's current balance, or -1 if the IP
// has no bucket yet.
func (l *Limiter) RemainingTokens(ip string) float64 {
	b, ok := l.ipBuckets.get("ip:" + ip)
	if !ok {
		return -1
	}
	return b.Remaining(l.Now())
}

func (l *Limiter) BurstDetections(ip string) int64 {
	return l.burst.Detections(ip)
}

func (l *Limiter) SnapshotIP(ip string) IPStats {
	return l.stats.SnapshotIP(ip, l.Now())
}

// Sweep evicts buckets, burst windows and stat rings idle past the
// configured TTL. Mandatory to bound memory under address-churning attacks.
func (l *Limiter) Sweep() {
	cutoff := l.Now().Add(-l.cfg.BucketIdleTTL)
	ipEvicted := l.ipBuckets.sweep(cutoff)
	epEvicted := l.epBuckets.sweep(cutoff)
	burstEvicted := l.burst.sweep(cutoff)
	statsEvicted := l.stats.sweep(cutoff)
	if total := ipEvicted + epEvicted + burstEvicted + statsEvicted; total > 0 {
		util.Debug("idle limiter state swept",
			zap.Int("ip_buckets", ipEvicted),
			zap.Int("endpoint_buckets", epEvicted),
			zap.Int("burst_windows", burstEvicted),
			zap.Int("stat_rings", statsEvicted))
	}
}

// RunSweeper runs Sweep on the configured interval until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
