package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
)

var errNoCPUSample = errors.New("cpu percent returned no values")

// CPUSampler reports whole-machine CPU utilisation in percent.
//
// With a zero Interval each call measures the time since the previous call,
// so it never blocks; the first call covers the time since boot.
type CPUSampler struct {
	Interval time.Duration
}

func (s CPUSampler) Sample(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, s.Interval, false)
	if err != nil {
		return 0, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) == 0 {
		return 0, errNoCPUSample
	}
	return clampPercent(pct[0]), nil
}

// LoadAvgSampler turns the one-minute load average into a percentage of the
// available logical CPUs.
type LoadAvgSampler struct{}

func (LoadAvgSampler) Sample(ctx context.Context) (float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("load average: %w", err)
	}
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("cpu count: %w", err)
	}
	if n < 1 {
		n = 1
	}
	return clampPercent(avg.Load1 / float64(n) * 100), nil
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
