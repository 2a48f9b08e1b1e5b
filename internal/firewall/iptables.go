package firewall

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"validator-gateway/internal/util"
)

const gatewayChain = "GATEWAY-BLOCK"

// IptablesController shells out to iptables/ip6tables. Rule mutations for
// the same source must not race an insert against a remove, so all calls
// for an IP are serialized through a per-IP entry in active.
type IptablesController struct {
	mu      sync.Mutex
	active  map[string]bool
	synRate int
}

func NewIptablesController() (*IptablesController, error) {
	c := &IptablesController{active: make(map[string]bool)}
	if err := c.ensureChain(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to prepare firewall chain: %w", err)
	}
	return c, nil
}

// ensureChain creates the dedicated chain and hooks it into INPUT once.
// Both commands tolerate the objects already existing.
func (c *IptablesController) ensureChain(ctx context.Context) error {
	for _, bin := range []string{"iptables", "ip6tables"} {
		if out, err := run(ctx, bin, "-N", gatewayChain); err != nil && !strings.Contains(out, "already exists") {
			return fmt.Errorf("%s -N %s: %s: %w", bin, gatewayChain, out, err)
		}
		if _, err := run(ctx, bin, "-C", "INPUT", "-j", gatewayChain); err != nil {
			if out, err := run(ctx, bin, "-I", "INPUT", "-j", gatewayChain); err != nil {
				return fmt.Errorf("%s -I INPUT: %s: %w", bin, out, err)
			}
		}
	}
	return nil
}

func (c *IptablesController) BlockSource(ctx context.Context, ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active[ip] {
		return nil
	}
	bin := binaryFor(ip)
	if _, err := run(ctx, bin, "-C", gatewayChain, "-s", ip, "-j", "DROP"); err != nil {
		if out, err := run(ctx, bin, "-I", gatewayChain, "-s", ip, "-j", "DROP"); err != nil {
			return fmt.Errorf("block %s: %s: %w", ip, out, err)
		}
	}
	c.active[ip] = true
	util.Info("firewall rule inserted", zap.String("ip", ip))
	return nil
}

func (c *IptablesController) UnblockSource(ctx context.Context, ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bin := binaryFor(ip)
	out, err := run(ctx, bin, "-D", gatewayChain, "-s", ip, "-j", "DROP")
	if err != nil && !strings.Contains(out, "does not exist") && !strings.Contains(out, "No chain/target/match") {
		return fmt.Errorf("unblock %s: %s: %w", ip, out, err)
	}
	delete(c.active, ip)
	util.Info("firewall rule removed", zap.String("ip", ip))
	return nil
}

func (c *IptablesController) SetSYNRateLimit(ctx context.Context, perSecond int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.synRate > 0 {
		return nil
	}
	out, err := run(ctx, "iptables", "-I", gatewayChain,
		"-p", "tcp", "--syn",
		"-m", "limit", "--limit", fmt.Sprintf("%d/second", perSecond),
		"-j", "ACCEPT")
	if err != nil {
		return fmt.Errorf("set syn rate limit: %s: %w", out, err)
	}
	out, err = run(ctx, "iptables", "-A", gatewayChain, "-p", "tcp", "--syn", "-j", "DROP")
	if err != nil {
		return fmt.Errorf("set syn drop rule: %s: %w", out, err)
	}
	c.synRate = perSecond
	util.Warn("host-wide SYN rate cap enabled", zap.Int("per_second", perSecond))
	return nil
}

func (c *IptablesController) ClearSYNRateLimit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.synRate == 0 {
		return nil
	}
	if out, err := run(ctx, "iptables", "-D", gatewayChain, "-p", "tcp", "--syn", "-j", "DROP"); err != nil {
		return fmt.Errorf("clear syn drop rule: %s: %w", out, err)
	}
	if out, err := run(ctx, "iptables", "-D", gatewayChain,
		"-p", "tcp", "--syn",
		"-m", "limit", "--limit", fmt.Sprintf("%d/second", c.synRate),
		"-j", "ACCEPT"); err != nil && !strings.Contains(out, "does not exist") {
		return fmt.Errorf("clear syn limit rule: %s: %w", out, err)
	}
	c.synRate = 0
	util.Info("host-wide SYN rate cap cleared")
	return nil
}

func binaryFor(ip string) string {
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		return "ip6tables"
	}
	return "iptables"
}

func run(ctx context.Context, bin string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
