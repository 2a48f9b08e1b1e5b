package ratelimit

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"validator-gateway/internal/util"
)

// LoadFactor is the adaptive capacity modifier applied to Regular-tier
// buckets at consume time. It holds 1.0 normally and the configured
// reduction while host CPU or memory utilization is above threshold.
// Premium and VIP tiers are exempt by the limiter, not here.
type LoadFactor struct {
	bits atomic.Uint64 // float64 bits
}

func NewLoadFactor() *LoadFactor {
	f := &LoadFactor{}
	f.Set(1)
	return f
}

func (f *LoadFactor) Factor() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *LoadFactor) Set(v float64) {
	f.bits.Store(math.Float64bits(v))
}

// HostUtilization reads instantaneous CPU and memory utilization percent.
// Split out as a variable so tests can substitute synthetic readings.
var HostUtilization = func(ctx context.Context) (cpuPct, memPct float64, err error) {
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

// RunLoadSampler updates f every interval until ctx is done. On sampling
// errors the factor is left unchanged; a stale factor is safer than
// flapping between reduced and full capacity.
func RunLoadSampler(ctx context.Context, f *LoadFactor, cpuThreshold, memThreshold, reduction float64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpuPct, memPct, err := HostUtilization(ctx)
			if err != nil {
				util.Warn("host utilization sample failed", zap.Error(err))
				continue
			}
			overloaded := cpuPct >= cpuThreshold || memPct >= memThreshold
			prev := f.Factor()
			if overloaded && prev == 1 {
				f.Set(reduction)
				util.Warn("adaptive limiting engaged",
					zap.Float64("cpu_pct", cpuPct),
					zap.Float64("mem_pct", memPct),
					zap.Float64("reduction", reduction))
			} else if !overloaded && prev != 1 {
				f.Set(1)
				util.Info("adaptive limiting released",
					zap.Float64("cpu_pct", cpuPct),
					zap.Float64("mem_pct", memPct))
			}
		}
	}
}
