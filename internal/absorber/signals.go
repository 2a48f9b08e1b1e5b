package absorber

import (
	"time"

	"validator-gateway/internal/events"
)

// AttackType is the closed set of traffic patterns the absorber classifies.
// Keeping it an enum rather than free-form strings forces every consumer to
// handle the full set. The definition lives in internal/events so the Kafka
// producer can name it without importing this package.
type AttackType = events.AttackType

const (
	AttackRateLimitFlood     = events.AttackRateLimitFlood
	AttackConnectionFlood    = events.AttackConnectionFlood
	AttackTimeout            = events.AttackTimeout
	AttackMalformedRequest   = events.AttackMalformedRequest
	AttackOversizedRequest   = events.AttackOversizedRequest
	AttackResourceExhaustion = events.AttackResourceExhaustion
)

// AttackRecord is one observed signal for a source IP.
type AttackRecord struct {
	ID        string     `json:"id"`
	SourceIP  string     `json:"source_ip"`
	Type      AttackType `json:"type"`
	Detail    string     `json:"detail"`
	Timestamp time.Time  `json:"timestamp"`
}

// BlockEntry is a persisted block decision. An IP has at most one
// non-expired entry at a time.
type BlockEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AttackEvent is the audit-stream payload emitted on state transitions.
type AttackEvent = events.AttackEvent
