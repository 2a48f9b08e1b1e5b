// Package firewall isolates host-level packet filtering behind a small
// adapter so the absorber logic stays testable with an in-memory fake.
package firewall

import "context"

// Controller applies and removes network-level blocking rules. All
// operations are idempotent: blocking an already-blocked source or
// unblocking an already-clean one is a no-op, not an error.
type Controller interface {
	BlockSource(ctx context.Context, ip string) error
	UnblockSource(ctx context.Context, ip string) error

	// SetSYNRateLimit caps inbound new-connection rate host-wide. Used as a
	// system-level mitigation when the machine itself is under pressure,
	// independent of any single source.
	SetSYNRateLimit(ctx context.Context, perSecond int) error
	ClearSYNRateLimit(ctx context.Context) error
}
