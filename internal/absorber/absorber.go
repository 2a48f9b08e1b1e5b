// Package absorber continuously classifies system- and network-level
// indicators as attack signals, escalates persistently offending IPs to a
// firewall-enforced block, and reverses the block after a cool-down.
//
// Per-IP state machine: Clean -> Suspicious (escalations > 0) -> Blocked
// (escalations >= threshold) -> Clean (expiry or manual unblock).
package absorber

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"validator-gateway/internal/config"
	"validator-gateway/internal/firewall"
	"validator-gateway/internal/store"
	"validator-gateway/internal/util"
)

const (
	blocksMapKey         = "blocks"
	attackLogKeyPrefix   = "attacklog:"
	persistRetryAttempts = 5
)

// EventPublisher receives audit events for escalations and block
// transitions. A nil publisher disables the stream.
type EventPublisher interface {
	PublishAttackEvent(ctx context.Context, evt AttackEvent) error
}

type escalation struct {
	records  []AttackRecord
	lastSeen time.Time
}

type Absorber struct {
	cfg       config.AbsorberConfig
	counters  store.CounterStore
	fw        firewall.Controller
	publisher EventPublisher

	whitelist []*net.IPNet
	blacklist []*net.IPNet

	mu          sync.Mutex
	escalations map[string]*escalation
	blocks      map[string]*BlockEntry
	cancels     map[string]func() bool

	startedAt time.Time

	// Now and AfterFunc are overridable so tests can drive time.
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) func() bool
}

func New(cfg config.AbsorberConfig, counters store.CounterStore, fw firewall.Controller, publisher EventPublisher) (*Absorber, error) {
	whitelist, err := parseCIDRs(cfg.WhitelistCIDRs)
	if err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	blacklist, err := parseCIDRs(cfg.BlacklistCIDRs)
	if err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}
	a := &Absorber{
		cfg:         cfg,
		counters:    counters,
		fw:          fw,
		publisher:   publisher,
		whitelist:   whitelist,
		blacklist:   blacklist,
		escalations: make(map[string]*escalation),
		blocks:      make(map[string]*BlockEntry),
		cancels:     make(map[string]func() bool),
		Now:         time.Now,
	}
	a.startedAt = a.Now()
	a.AfterFunc = func(d time.Duration, f func()) func() bool {
		t := time.AfterFunc(d, f)
		return t.Stop
	}
	return a, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func containsIP(nets []*net.IPNet, ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// IsBlocked reports whether traffic from ip must be rejected. Blacklisted
// ranges are pre-blocked; otherwise the in-memory block table decides. The
// table is authoritative once reconciled, so a degraded counter store can
// never unblock a known-bad source.
func (a *Absorber) IsBlocked(ip string) bool {
	if containsIP(a.whitelist, ip) {
		return false
	}
	if containsIP(a.blacklist, ip) {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.blocks[ip]
	return ok && a.Now().Before(entry.ExpiresAt)
}

// ReportSignal records one attack signal for ip. Whitelisted ranges are
// never escalated. Crossing the escalation threshold blocks the IP.
func (a *Absorber) ReportSignal(ctx context.Context, ip string, attackType AttackType, detail string) {
	if containsIP(a.whitelist, ip) {
		return
	}
	now := a.Now()
	rec := AttackRecord{
		ID:        uuid.NewString(),
		SourceIP:  ip,
		Type:      attackType,
		Detail:    detail,
		Timestamp: now,
	}

	a.mu.Lock()
	esc, ok := a.escalations[ip]
	if !ok {
		esc = &escalation{}
		a.escalations[ip] = esc
	}
	esc.lastSeen = now

	// Rolling one-hour history, capped by the configured log size.
	cutoff := now.Add(-a.cfg.AttackLogTTL)
	kept := esc.records[:0]
	for _, r := range esc.records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	esc.records = append(kept, rec)
	if int64(len(esc.records)) > a.cfg.AttackLogMax {
		esc.records = esc.records[len(esc.records)-int(a.cfg.AttackLogMax):]
	}
	count := len(esc.records)
	_, alreadyBlocked := a.blocks[ip]
	a.mu.Unlock()

	util.Debug("attack signal recorded",
		zap.String("ip", ip),
		zap.String("type", attackType.String()),
		zap.Int("escalations", count))

	// Persisted attack log and audit stream are observability-only.
	if payload, err := json.Marshal(rec); err == nil {
		if err := a.counters.ListPush(ctx, attackLogKeyPrefix+ip, string(payload), a.cfg.AttackLogMax, a.cfg.AttackLogTTL); err != nil {
			util.Debug("attack log write failed", zap.String("ip", ip), zap.Error(err))
		}
	}
	a.publish(ctx, AttackEvent{
		Kind:        "escalation",
		IP:          ip,
		AttackType:  attackType,
		Detail:      detail,
		Escalations: count,
		At:          now,
	})

	if count >= a.cfg.BlockThreshold && !alreadyBlocked {
		a.Block(ctx, ip, fmt.Sprintf("escalation threshold reached: %s", attackType))
	}
}

// Block puts ip into the blocked state: one BlockEntry, one firewall rule,
// one scheduled unblock. Blocking an already-blocked IP is a no-op.
func (a *Absorber) Block(ctx context.Context, ip, reason string) {
	if containsIP(a.whitelist, ip) {
		return
	}
	now := a.Now()
	entry := &BlockEntry{
		IP:        ip,
		Reason:    reason,
		BlockedAt: now,
		ExpiresAt: now.Add(a.cfg.BlockDuration),
	}

	a.mu.Lock()
	if existing, ok := a.blocks[ip]; ok && now.Before(existing.ExpiresAt) {
		a.mu.Unlock()
		return
	}
	a.blocks[ip] = entry
	a.mu.Unlock()

	// The in-memory block takes effect immediately; firewall and persistence
	// failures are retried or logged but never revert it.
	if err := a.fw.BlockSource(ctx, ip); err != nil {
		util.Error("firewall block failed", zap.String("ip", ip), zap.Error(err))
	}
	a.persistBlock(entry)
	a.scheduleUnblock(ip, a.cfg.BlockDuration)

	util.Warn("source blocked",
		zap.String("ip", ip),
		zap.String("reason", reason),
		zap.Time("expires_at", entry.ExpiresAt))
	a.publish(ctx, AttackEvent{Kind: "block", IP: ip, Detail: reason, At: now})
}

// Unblock reverses a block: entry removed, firewall rule dropped, pending
// timer cancelled. Safe to call for an already-clean IP.
func (a *Absorber) Unblock(ctx context.Context, ip string) {
	a.mu.Lock()
	delete(a.blocks, ip)
	delete(a.escalations, ip)
	if cancel, ok := a.cancels[ip]; ok {
		cancel()
		delete(a.cancels, ip)
	}
	a.mu.Unlock()

	if err := a.fw.UnblockSource(ctx, ip); err != nil {
		util.Error("firewall unblock failed", zap.String("ip", ip), zap.Error(err))
	}
	if err := a.counters.HashDelete(ctx, blocksMapKey, ip); err != nil {
		util.Warn("failed to remove persisted block", zap.String("ip", ip), zap.Error(err))
	}
	util.Info("source unblocked", zap.String("ip", ip))
	a.publish(ctx, AttackEvent{Kind: "unblock", IP: ip, At: a.Now()})
}

func (a *Absorber) scheduleUnblock(ip string, d time.Duration) {
	cancel := a.AfterFunc(d, func() {
		a.Unblock(context.Background(), ip)
	})
	a.mu.Lock()
	if prev, ok := a.cancels[ip]; ok {
		prev()
	}
	a.cancels[ip] = cancel
	a.mu.Unlock()
}

// persistBlock writes the entry to the counter store, retrying with backoff
// in the background on failure.
func (a *Absorber) persistBlock(entry *BlockEntry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		util.Error("failed to encode block entry", zap.String("ip", entry.IP), zap.Error(err))
		return
	}
	write := func(ctx context.Context) error {
		return a.counters.HashSet(ctx, blocksMapKey, entry.IP, string(payload))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = write(ctx)
	cancel()
	if err == nil {
		return
	}
	util.Warn("block persistence failed, retrying in background",
		zap.String("ip", entry.IP), zap.Error(err))

	go func() {
		backoff := time.Second
		for attempt := 0; attempt < persistRetryAttempts; attempt++ {
			time.Sleep(backoff)
			backoff *= 2
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := write(ctx)
			cancel()
			if err == nil {
				return
			}
			util.Warn("block persistence retry failed",
				zap.String("ip", entry.IP),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
	}()
}

// Reconcile re-applies persisted, non-expired blocks on startup and prunes
// expired ones. In-process escalation counters are lost on restart, but
// persisted blocks must remain enforced.
func (a *Absorber) Reconcile(ctx context.Context) error {
	entries, err := a.counters.HashGetAll(ctx, blocksMapKey)
	if err != nil {
		return fmt.Errorf("failed to read persisted blocks: %w", err)
	}

	now := a.Now()
	restored := 0
	for ip, raw := range entries {
		var entry BlockEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			util.Warn("dropping unreadable block entry", zap.String("ip", ip), zap.Error(err))
			_ = a.counters.HashDelete(ctx, blocksMapKey, ip)
			continue
		}
		if !now.Before(entry.ExpiresAt) {
			if err := a.counters.HashDelete(ctx, blocksMapKey, ip); err != nil {
				util.Warn("failed to prune expired block", zap.String("ip", ip), zap.Error(err))
			}
			continue
		}

		a.mu.Lock()
		a.blocks[ip] = &entry
		a.mu.Unlock()
		if err := a.fw.BlockSource(ctx, ip); err != nil {
			util.Error("failed to re-apply firewall rule", zap.String("ip", ip), zap.Error(err))
		}
		a.scheduleUnblock(ip, entry.ExpiresAt.Sub(now))
		restored++
	}

	util.Info("block reconciliation complete",
		zap.Int("restored", restored),
		zap.Int("expired", len(entries)-restored))
	return nil
}

func (a *Absorber) publish(ctx context.Context, evt AttackEvent) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.PublishAttackEvent(ctx, evt); err != nil {
		util.Debug("attack event publish failed", zap.String("ip", evt.IP), zap.Error(err))
	}
}

// Status is the aggregate view served by the ops API.
type Status struct {
	BlockedIPs    int            `json:"blocked_ips"`
	SuspiciousIPs int            `json:"suspicious_ips"`
	AttackCounts  map[string]int `json:"attack_counts"`
	Uptime        string         `json:"uptime"`
}

func (a *Absorber) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		AttackCounts: make(map[string]int),
		Uptime:       a.Now().Sub(a.startedAt).Round(time.Second).String(),
	}
	now := a.Now()
	for _, entry := range a.blocks {
		if now.Before(entry.ExpiresAt) {
			st.BlockedIPs++
		}
	}
	for ip, esc := range a.escalations {
		if _, blocked := a.blocks[ip]; !blocked && len(esc.records) > 0 {
			st.SuspiciousIPs++
		}
		for _, rec := range esc.records {
			st.AttackCounts[rec.Type.String()]++
		}
	}
	return st
}

// BlockedEntries returns a copy of the current non-expired block table.
func (a *Absorber) BlockedEntries() []BlockEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.Now()
	out := make([]BlockEntry, 0, len(a.blocks))
	for _, entry := range a.blocks {
		if now.Before(entry.ExpiresAt) {
			out = append(out, *entry)
		}
	}
	return out
}

// EscalationCount reports the current in-window signal count for ip.
func (a *Absorber) EscalationCount(ip string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if esc, ok := a.escalations[ip]; ok {
		return len(esc.records)
	}
	return 0
}
