package absorber

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"validator-gateway/internal/util"
)

// hostPressure reads instantaneous CPU and memory utilization. Variable so
// tests can feed synthetic readings.
var hostPressure = func(ctx context.Context) (cpuPct, memPct float64, err error) {
	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return cpuPct, 0, err
	}
	return cpuPct, vm.UsedPercent, nil
}

// establishedByIP counts established TCP connections per remote address.
var establishedByIP = func(ctx context.Context) (map[string]int, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, c := range conns {
		if c.Status == "ESTABLISHED" && c.Raddr.IP != "" {
			counts[c.Raddr.IP]++
		}
	}
	return counts, nil
}

// Run executes the periodic cycle until ctx is done: sample host pressure,
// toggle the host-wide SYN cap, and escalate sources holding more
// established connections than the per-IP ceiling.
func (a *Absorber) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Absorber) cycle(ctx context.Context) {
	cpuPct, memPct, err := hostPressure(ctx)
	if err != nil {
		util.Warn("host pressure sample failed", zap.Error(err))
	} else if cpuPct >= a.cfg.CPUThreshold || memPct >= a.cfg.MemThreshold {
		util.Warn("system under pressure",
			zap.Float64("cpu_pct", cpuPct),
			zap.Float64("mem_pct", memPct))
		if err := a.fw.SetSYNRateLimit(ctx, a.cfg.SYNRateCap); err != nil {
			util.Error("failed to set SYN rate cap", zap.Error(err))
		}
	} else {
		if err := a.fw.ClearSYNRateLimit(ctx); err != nil {
			util.Error("failed to clear SYN rate cap", zap.Error(err))
		}
	}

	counts, err := establishedByIP(ctx)
	if err != nil {
		util.Warn("connection table sample failed", zap.Error(err))
		return
	}
	for ip, n := range counts {
		if n <= a.cfg.ConnCeilingPerIP {
			continue
		}
		a.ReportSignal(ctx, ip, AttackConnectionFlood,
			fmt.Sprintf("%d established connections (ceiling %d)", n, a.cfg.ConnCeilingPerIP))
	}
}
