package server

import (
	"context"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/common"
)

// MemoryMonitorConfig controls periodic runtime stats logging.
type MemoryMonitorConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval between samples.
	Interval time.Duration `yaml:"interval" default:"60s"`
	// WarningThresholdMB escalates the log level when heap alloc passes it.
	WarningThresholdMB uint64 `yaml:"warningThresholdMb" default:"1024"`
}

// MemoryStatsCollector samples runtime memory and goroutine counts so
// long-running worker deployments surface leaks in metrics and logs.
type MemoryStatsCollector struct {
	log    logrus.FieldLogger
	config MemoryMonitorConfig
	stopCh chan struct{}
}

func NewMemoryStatsCollector(log logrus.FieldLogger, config MemoryMonitorConfig) *MemoryStatsCollector {
	return &MemoryStatsCollector{
		log:    log.WithField("component", "memory_stats_collector"),
		config: config,
		stopCh: make(chan struct{}),
	}
}

func (m *MemoryStatsCollector) Start(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	m.log.WithField("interval", m.config.Interval).Info("Starting memory stats collector")

	go m.run(ctx)

	return nil
}

func (m *MemoryStatsCollector) Stop(_ context.Context) error {
	close(m.stopCh)

	return nil
}

func (m *MemoryStatsCollector) run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.collectStats()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.collectStats()
		}
	}
}

func (m *MemoryStatsCollector) collectStats() {
	var memStats runtime.MemStats

	runtime.ReadMemStats(&memStats)

	common.MemoryUsage.WithLabelValues("alloc").Set(float64(memStats.Alloc))
	common.MemoryUsage.WithLabelValues("sys").Set(float64(memStats.Sys))
	common.MemoryUsage.WithLabelValues("heap_alloc").Set(float64(memStats.HeapAlloc))
	common.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	allocMB := memStats.Alloc / 1024 / 1024

	fields := logrus.Fields{
		"alloc_mb":   allocMB,
		"sys_mb":     memStats.Sys / 1024 / 1024,
		"goroutines": runtime.NumGoroutine(),
		"num_gc":     memStats.NumGC,
	}

	if allocMB > m.config.WarningThresholdMB {
		m.log.WithFields(fields).Warn("High memory usage detected")

		return
	}

	m.log.WithFields(fields).Debug("Memory usage summary")
}
