package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/tierfs/metrics"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SelfMonitor periodically samples host CPU, memory and data disk usage
// into the prometheus gauges.
type SelfMonitor struct {
	diskPath string
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSelfMonitor creates a monitor. diskPath is a path on the disk to
// watch, usually the master directory.
func NewSelfMonitor(diskPath string, interval time.Duration, logger *slog.Logger) *SelfMonitor {
	if interval < 2*time.Second {
		interval = 2 * time.Second
	}
	return &SelfMonitor{
		diskPath: diskPath,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SelfMonitor"),
	}
}

// Start begins the background collection loop.
func (sm *SelfMonitor) Start() {
	sm.logger.Info("Starting self monitor", "interval", sm.interval)
	sm.wg.Add(1)
	go sm.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sm *SelfMonitor) Stop() {
	sm.stopOnce.Do(func() {
		sm.logger.Info("Stopping self monitor")
		close(sm.stopChan)
	})
	sm.wg.Wait()
}

func (sm *SelfMonitor) collectLoop() {
	defer sm.wg.Done()
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.collect()
		case <-sm.stopChan:
			return
		}
	}
}

func (sm *SelfMonitor) collect() {
	// The cpu sample must finish before the next tick.
	if pct, err := cpu.Percent(sm.interval-time.Second, false); err == nil && len(pct) > 0 {
		metrics.ProcessCPUPercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		metrics.ProcessMemoryUsedPercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage(sm.diskPath); err == nil {
		metrics.DataDiskUsedPercent.Set(du.UsedPercent)
	} else {
		sm.logger.Debug("Failed to sample disk usage", "path", sm.diskPath, "error", err)
	}
}
