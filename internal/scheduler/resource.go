package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceThresholds defines when the host counts as under pressure
type ResourceThresholds struct {
	MaxCPUPercent    float64 // CPU usage above this halves the dispatch cap
	MaxMemoryPercent float64 // Memory usage above this halves the dispatch cap
}

// DefaultResourceThresholds returns the default pressure thresholds
func DefaultResourceThresholds() ResourceThresholds {
	return ResourceThresholds{
		MaxCPUPercent:    85,
		MaxMemoryPercent: 90,
	}
}

// ResourceMonitor samples host CPU and memory usage and throttles the
// scheduler's dispatch cap when the host is under pressure.
type ResourceMonitor struct {
	logger     *zap.Logger
	thresholds ResourceThresholds
	interval   time.Duration

	mu         sync.RWMutex
	cpuPercent float64
	memPercent float64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewResourceMonitor creates a new resource monitor
func NewResourceMonitor(thresholds ResourceThresholds, interval time.Duration, logger *zap.Logger) *ResourceMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ResourceMonitor{
		logger:     logger.Named("resource-monitor"),
		thresholds: thresholds,
		interval:   interval,
		stop:       make(chan struct{}),
	}
}

// Start begins sampling in the background
func (rm *ResourceMonitor) Start(ctx context.Context) {
	rm.logger.Info("Starting resource monitor",
		zap.Duration("interval", rm.interval))
	go rm.sampleLoop(ctx)
}

// Stop stops the sampling loop
func (rm *ResourceMonitor) Stop() {
	rm.stopOnce.Do(func() { close(rm.stop) })
}

func (rm *ResourceMonitor) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stop:
			return
		case <-ticker.C:
			rm.sample(ctx)
		}
	}
}

func (rm *ResourceMonitor) sample(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		rm.logger.Warn("Failed to sample CPU usage", zap.Error(err))
		return
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		rm.logger.Warn("Failed to sample memory usage", zap.Error(err))
		return
	}

	rm.mu.Lock()
	if len(percents) > 0 {
		rm.cpuPercent = percents[0]
	}
	rm.memPercent = vm.UsedPercent
	rm.mu.Unlock()
}

// Cap returns the effective dispatch cap given the configured maximum.
// Under pressure the cap is halved, never below 1.
func (rm *ResourceMonitor) Cap(max int) int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if rm.cpuPercent > rm.thresholds.MaxCPUPercent || rm.memPercent > rm.thresholds.MaxMemoryPercent {
		throttled := max / 2
		if throttled < 1 {
			throttled = 1
		}
		rm.logger.Warn("Host under pressure, throttling dispatch",
			zap.Float64("cpu_percent", rm.cpuPercent),
			zap.Float64("mem_percent", rm.memPercent),
			zap.Int("cap", throttled))
		return throttled
	}
	return max
}
