package metrics

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// SelfCollectorConfig holds configuration for control plane self monitoring.
type SelfCollectorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// SelfCollector periodically samples the control plane's own process and
// exposes its resource usage as Prometheus gauges.
type SelfCollector struct {
	enabled  bool
	interval time.Duration
	proc     *process.Process
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent prometheus.Gauge
	memoryMB   prometheus.Gauge
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
	goroutines prometheus.Gauge
}

// NewSelfCollector creates a collector bound to the current process.
func NewSelfCollector(config SelfCollectorConfig) (*SelfCollector, error) {
	interval := config.Interval
	if interval == 0 {
		interval = 15 * time.Second
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	return &SelfCollector{
		enabled:  config.Enabled,
		interval: interval,
		proc:     proc,
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentpool",
			Subsystem: "self",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the control plane process.",
		}),
		memoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentpool",
			Subsystem: "self",
			Name:      "memory_mb",
			Help:      "Resident memory in MB of the control plane process.",
		}),
		numThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentpool",
			Subsystem: "self",
			Name:      "num_threads",
			Help:      "Number of OS threads of the control plane process.",
		}),
		numFDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentpool",
			Subsystem: "self",
			Name:      "num_fds",
			Help:      "Number of open file descriptors of the control plane process (Unix only).",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentpool",
			Subsystem: "self",
			Name:      "goroutines",
			Help:      "Number of goroutines in the control plane process.",
		}),
	}, nil
}

// RegisterMetrics registers the self metrics with the provided registerer.
func (c *SelfCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}

	collectors := []prometheus.Collector{
		c.cpuPercent,
		c.memoryMB,
		c.numThreads,
		c.goroutines,
	}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}

	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling. It returns immediately.
func (c *SelfCollector) Start(ctx context.Context) {
	if !c.enabled {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.sample()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sample()
			}
		}
	}()
}

// Stop stops the sampling loop and waits for it to exit.
func (c *SelfCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *SelfCollector) sample() {
	if cpu, err := c.proc.CPUPercent(); err == nil {
		c.cpuPercent.Set(cpu)
	} else {
		slog.Debug("self metrics cpu sample failed", "error", err)
	}

	if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
		c.memoryMB.Set(float64(mem.RSS) / 1024 / 1024)
	}

	if threads, err := c.proc.NumThreads(); err == nil {
		c.numThreads.Set(float64(threads))
	}

	if runtime.GOOS != "windows" {
		if fds, err := c.proc.NumFDs(); err == nil {
			c.numFDs.Set(float64(fds))
		}
	}

	c.goroutines.Set(float64(runtime.NumGoroutine()))
}
