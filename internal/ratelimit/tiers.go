package ratelimit

// Tier classifies a client IP and scales its rate-limit budget.
type Tier int

const (
	TierRegular Tier = iota
	TierPremium
	TierVIP
)

func (t Tier) String() string {
	switch t {
	case TierVIP:
		return "vip"
	case TierPremium:
		return "premium"
	default:
		return "regular"
	}
}

// TierSet resolves an IP's tier from static membership lists. Membership is
// fixed at startup, so lookups are lock-free.
type TierSet struct {
	premium           map[string]bool
	vip               map[string]bool
	premiumMultiplier float64
	vipMultiplier     float64
}

func NewTierSet(premiumIPs, vipIPs []string, premiumMultiplier, vipMultiplier float64) *TierSet {
	s := &TierSet{
		premium:           make(map[string]bool, len(premiumIPs)),
		vip:               make(map[string]bool, len(vipIPs)),
		premiumMultiplier: premiumMultiplier,
		vipMultiplier:     vipMultiplier,
	}
	for _, ip := range premiumIPs {
		s.premium[ip] = true
	}
	for _, ip := range vipIPs {
		s.vip[ip] = true
	}
	return s
}

func (s *TierSet) Tier(ip string) Tier {
	if s.vip[ip] {
		return TierVIP
	}
	if s.premium[ip] {
		return TierPremium
	}
	return TierRegular
}

// Multiplier returns the budget scale for ip's tier (regular = 1).
func (s *TierSet) Multiplier(ip string) float64 {
	switch s.Tier(ip) {
	case TierVIP:
		return s.vipMultiplier
	case TierPremium:
		return s.premiumMultiplier
	default:
		return 1
	}
}
