// Package monitor samples resource usage of the load-generator host while a
// run executes. Saturated generators produce misleading latency numbers, so
// the usage summary is attached to every persisted result.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// DefaultSampleInterval is the pause between resource snapshots.
const DefaultSampleInterval = time.Second

// Usage summarises generator resource consumption over a run.
type Usage struct {
	CPUPercentAvg    float64 `json:"cpu_percent_avg"`
	CPUPercentMax    float64 `json:"cpu_percent_max"`
	MemoryPercentAvg float64 `json:"memory_percent_avg"`
	MemoryPercentMax float64 `json:"memory_percent_max"`
	Samples          int     `json:"samples"`
}

// Monitor periodically samples host CPU and memory.
type Monitor interface {
	Start(ctx context.Context)

	// Stop ends sampling and returns the usage summary. Nil when no
	// sample could be collected.
	Stop() *Usage
}

// Compile-time interface check.
var _ Monitor = (*monitor)(nil)

type monitor struct {
	log      logrus.FieldLogger
	interval time.Duration

	mu      sync.Mutex
	cpuSum  float64
	cpuMax  float64
	memSum  float64
	memMax  float64
	samples int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a host resource monitor.
func NewMonitor(log logrus.FieldLogger, interval time.Duration) Monitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	return &monitor{
		log:      log.WithField("component", "monitor"),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (m *monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample(ctx)
			}
		}
	}()
}

// Stop ends sampling and returns the usage summary.
func (m *monitor) Stop() *Usage {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.samples == 0 {
		return nil
	}

	return &Usage{
		CPUPercentAvg:    m.cpuSum / float64(m.samples),
		CPUPercentMax:    m.cpuMax,
		MemoryPercentAvg: m.memSum / float64(m.samples),
		MemoryPercentMax: m.memMax,
		Samples:          m.samples,
	}
}

// sample takes one CPU and memory reading.
func (m *monitor) sample(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		m.log.WithError(err).Debug("CPU sample failed")

		return
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		m.log.WithError(err).Debug("Memory sample failed")

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cpuSum += percents[0]
	if percents[0] > m.cpuMax {
		m.cpuMax = percents[0]
	}

	m.memSum += vm.UsedPercent
	if vm.UsedPercent > m.memMax {
		m.memMax = vm.UsedPercent
	}

	m.samples++
}
