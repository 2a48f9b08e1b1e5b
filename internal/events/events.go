// Package events holds the attack audit-event types shared by the absorber
// and the Kafka producer. It is a leaf package so that client code can name
// these types without importing the absorber itself.
package events

import (
	"fmt"
	"time"
)

// AttackType is the closed set of traffic patterns the absorber classifies.
// Keeping it an enum rather than free-form strings forces every consumer to
// handle the full set.
type AttackType int

const (
	AttackRateLimitFlood AttackType = iota
	AttackConnectionFlood
	AttackTimeout
	AttackMalformedRequest
	AttackOversizedRequest
	AttackResourceExhaustion
)

func (t AttackType) String() string {
	switch t {
	case AttackRateLimitFlood:
		return "rate_limit_flood"
	case AttackConnectionFlood:
		return "connection_flood"
	case AttackTimeout:
		return "timeout"
	case AttackMalformedRequest:
		return "malformed_request"
	case AttackOversizedRequest:
		return "oversized_request"
	case AttackResourceExhaustion:
		return "resource_exhaustion"
	default:
		return fmt.Sprintf("attack_type(%d)", int(t))
	}
}

func (t AttackType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// AttackEvent is the audit-stream payload emitted on state transitions.
type AttackEvent struct {
	Kind        string     `json:"kind"` // escalation, block, unblock
	IP          string     `json:"ip"`
	AttackType  AttackType `json:"attack_type"`
	Detail      string     `json:"detail,omitempty"`
	Escalations int        `json:"escalations"`
	At          time.Time  `json:"at"`
}
