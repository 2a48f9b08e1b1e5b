package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"validator-gateway/internal/config"
	"validator-gateway/internal/store"
)

// testClock is a manually advanced clock shared between the limiter and the
// counter store so penalties and TTLs expire together.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func baseRateLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		GlobalRPS:         100000,
		GlobalBurst:       100000,
		IPBaseRPS:         50,
		IPBurst:           100,
		PremiumMultiplier: 5,
		VIPMultiplier:     10,
		BurstWindow:       60 * time.Second,
		BurstMultiplier:   5,
		PenaltyDuration:   300 * time.Second,
		BucketIdleTTL:     time.Hour,
		SweepInterval:     5 * time.Minute,
	}
}

func newTestLimiter(cfg config.RateLimitConfig) (*Limiter, *store.MemoryStore, *testClock) {
	clock := newTestClock()
	mem := store.NewMemoryStore()
	mem.Now = clock.Now
	l := NewLimiter(cfg, mem)
	l.Now = clock.Now
	return l, mem, clock
}

func TestLimiterGlobalGateDeniesFirst(t *testing.T) {
	cfg := baseRateLimitConfig()
	cfg.GlobalRPS = 1
	cfg.GlobalBurst = 1
	l, _, _ := newTestLimiter(cfg)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "198.51.100.1", "/").Allowed)

	dec := l.Allow(ctx, "198.51.100.2", "/")
	assert.False(t, dec.Allowed)
	assert.Equal(t, DenyGlobal, dec.Reason)
}

func TestLimiterIPBucketExhaustionAndRefill(t *testing.T) {
	cfg := baseRateLimitConfig()
	cfg.IPBaseRPS = 1
	cfg.IPBurst = 3
	l, _, clock := newTestLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(ctx, "198.51.100.1", "/").Allowed, "request %d", i+1)
	}
	dec := l.Allow(ctx, "198.51.100.1", "/")
	assert.False(t, dec.Allowed)
	assert.Equal(t, DenyIP, dec.Reason)

	// A different source has its own bucket.
	assert.True(t, l.Allow(ctx, "198.51.100.2", "/").Allowed)

	// 1 rps refill for 2 seconds admits exactly 2 more.
	clock.Advance(2 * time.Second)
	assert.True(t, l.Allow(ctx, "198.51.100.1", "/").Allowed)
	assert.True(t, l.Allow(ctx, "198.51.100.1", "/").Allowed)
	assert.Equal(t, DenyIP, l.Allow(ctx, "198.51.100.1", "/").Reason)
}

func TestLimiterSustainedOverBudget(t *testing.T) {
	l, _, _ := newTestLimiter(baseRateLimitConfig())
	ctx := context.Background()

	// 150 instantaneous requests against a burst of 100: exactly the burst
	// is admitted, the rest deny at the IP gate.
	allowed, denied := 0, 0
	for i := 0; i < 150; i++ {
		if l.Allow(ctx, "198.51.100.1", "/api/query").Allowed {
			allowed++
		} else {
			denied++
		}
	}
	assert.Equal(t, 100, allowed)
	assert.Equal(t, 50, denied)
}

func TestLimiterSustainedFloodAgainstEndpointBudget(t *testing.T) {
	cfg := baseRateLimitConfig()
	cfg.IPBaseRPS = 1000
	cfg.IPBurst = 10000
	// 60 requests per minute with the burst allowance fronted.
	cfg.EndpointLimits = []config.EndpointLimit{
		{Prefix: "/api/tx", RPS: 1, Burst: 60},
	}
	l, _, clock := newTestLimiter(cfg)
	ctx := context.Background()

	// 150 rps sustained for 10 seconds from one source: the initial burst
	// admits 60, then refill admits one per second.
	allowed, denied := 0, 0
	for sec := 0; sec < 10; sec++ {
		for i := 0; i < 150; i++ {
			if l.Allow(ctx, "198.51.100.1", "/api/tx").Allowed {
				allowed++
			} else {
				denied++
			}
		}
		clock.Advance(time.Second)
	}
	assert.Equal(t, 69, allowed)
	assert.Equal(t, 1431, denied)
}

func TestLimiterTierMultipliers(t *testing.T) {
	cfg := baseRateLimitConfig()
	cfg.IPBaseRPS = 1
	cfg.IPBurst = 2
	cfg.PremiumIPs = []string{"203.0.113.10"}
	cfg.VIPIPs = []string{"203.0.113.20"}
	l, _, _ := newTestLimiter(cfg)
	ctx := context.Background()

	count := func(ip string) int {
		n := 0
		for l.Allow(ctx, ip, "/").Allowed {
			n++
		}
		return n
	}

	assert.Equal(t, 2, count("198.51.100.1"), "regular burst")
	assert.Equal(t, 10, count("203.0.113.10"), "premium burst is 5x")
	assert.Equal(t, 20, count("203.0.113.20"), "vip burst is 10x")

	assert.Equal(t, TierRegular, l.Tier("198.51.100.1"))
	assert.Equal(t, TierPremium, l.Tier("203.0.113.10"))
	assert.Equal(t, TierVIP, l.Tier("203.0.113.20"))
}

func TestLimiterEndpointGate(t *testing.T) {
	cfg := baseRateLimitConfig()
	cfg.EndpointLimits = []config.EndpointLimit{
		{Prefix: "/api/tx", RPS: 1, Burst: 2},
	}
	l, _, _ := newTestLimiter(cfg)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "198.51.100.1", "/api/tx/submit").Allowed)
	require.True(t, l.Allow(ctx, "198.51.100.1", "/api/tx/submit").Allowed)

	dec := l.Allow(ctx, "198.51.100.1", "/api/tx/submit")
	assert.False(t, dec.Allowed)
	assert.Equal(t, DenyEndpoint, dec.Reason)

	// Unlimited paths still pass on the same IP budget.
	assert.True(t, l.Allow(ctx, "198.51.100.1", "/api/query").Allowed)
}

func TestLimiterBurstPenalty(t *testing.T) {
	cfg := baseRateLimitConfig()
	cfg.IPBaseRPS = 1
	cfg.IPBurst = 100
	cfg.BurstWindow = 2 * time.Second
	cfg.BurstMultiplier = 2
	cfg.PenaltyDuration = 10 * time.Second
	// Nominal budget 1rps * 2s = 2, so the detector trips past 4 requests
	// in the window.
	l, mem, clock := newTestLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.True(t, l.Allow(ctx, "198.51.100.1", "/").Allowed, "request %d", i+1)
	}
	dec := l.Allow(ctx, "198.51.100.1", "/")
	assert.False(t, dec.Allowed)
	assert.Equal(t, DenyBurst, dec.Reason)
	assert.Equal(t, int64(1), l.BurstDetections("198.51.100.1"))

	// Still penalized before the penalty lapses.
	clock.Advance(5 * time.Second)
	assert.Equal(t, DenyBurst, l.Allow(ctx, "198.51.100.1", "/").Reason)

	penalty, err := mem.GetInt(ctx, "penalty:198.51.100.1")
	require.NoError(t, err)
	assert.Positive(t, penalty, "penalty persisted to the counter store")

	// Past expiry (of both the in-memory penalty and the stored key) the
	// source is admitted again.
	clock.Advance(10 * time.Second)
	assert.True(t, l.Allow(ctx, "198.51.100.1", "/").Allowed)
}

func TestLimiterAdaptiveFactorRegularTierOnly(t *testing.T) {
	cfg := baseRateLimitConfig()
	cfg.IPBaseRPS = 1
	cfg.IPBurst = 10
	cfg.VIPIPs = []string{"203.0.113.20"}
	l, _, _ := newTestLimiter(cfg)
	ctx := context.Background()

	l.LoadFactor().Set(0.5)

	allowed := 0
	for l.Allow(ctx, "198.51.100.1", "/").Allowed {
		allowed++
	}
	assert.Equal(t, 5, allowed, "regular capacity halved under load")

	for i := 0; i < 20; i++ {
		require.True(t, l.Allow(ctx, "203.0.113.20", "/").Allowed, "vip request %d exempt from load shedding", i+1)
	}
}

func TestLimiterSweepEvictsIdleState(t *testing.T) {
	l, _, clock := newTestLimiter(baseRateLimitConfig())
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "198.51.100.1", "/").Allowed)
	assert.NotEqual(t, -1.0, l.RemainingTokens("198.51.100.1"))

	clock.Advance(2 * time.Hour)
	l.Sweep()

	assert.Equal(t, -1.0, l.RemainingTokens("198.51.100.1"), "idle bucket evicted")
	assert.Equal(t, 0, l.SnapshotIP("198.51.100.1").RequestsLastHour)
}

func TestLimiterSnapshotIP(t *testing.T) {
	l, _, clock := newTestLimiter(baseRateLimitConfig())
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "198.51.100.1", "/api/tx").Allowed)
	require.True(t, l.Allow(ctx, "198.51.100.1", "/api/query").Allowed)
	clock.Advance(5 * time.Minute)
	require.True(t, l.Allow(ctx, "198.51.100.1", "/api/query").Allowed)

	stats := l.SnapshotIP("198.51.100.1")
	assert.Equal(t, 1, stats.RequestsLastMinute)
	assert.Equal(t, 3, stats.RequestsLastHour)
	assert.Equal(t, 2, stats.Endpoints["/api/query"])
	assert.Equal(t, 1, stats.Endpoints["/api/tx"])
}

func TestLimiterRequestCounterWritten(t *testing.T) {
	l, mem, _ := newTestLimiter(baseRateLimitConfig())
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "198.51.100.1", "/").Allowed)
	require.True(t, l.Allow(ctx, "198.51.100.1", "/").Allowed)

	n, err := mem.GetInt(ctx, "stats:requests:198.51.100.1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
