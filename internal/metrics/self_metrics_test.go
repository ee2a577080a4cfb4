package metrics

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewSelfCollectorDefaults(t *testing.T) {
	c, err := NewSelfCollector(SelfCollectorConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewSelfCollector: %v", err)
	}
	if c.interval != 15*time.Second {
		t.Errorf("interval = %v, want 15s", c.interval)
	}
}

func TestSelfCollectorDisabledIsNoOp(t *testing.T) {
	c, err := NewSelfCollector(SelfCollectorConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewSelfCollector: %v", err)
	}
	reg := prometheus.NewRegistry()
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 0 {
		t.Errorf("disabled collector registered %d families", len(families))
	}

	c.Start(context.Background())
	c.Stop()
}

func TestSelfCollectorSample(t *testing.T) {
	c, err := NewSelfCollector(SelfCollectorConfig{Enabled: true, Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewSelfCollector: %v", err)
	}
	reg := prometheus.NewRegistry()
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics twice: %v", err)
	}

	c.sample()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	byName := make(map[string]float64, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
	}

	if got, ok := byName["agentpool_self_goroutines"]; !ok || got < 1 {
		t.Errorf("goroutines = %v", got)
	}
	if got, ok := byName["agentpool_self_memory_mb"]; !ok || got <= 0 {
		t.Errorf("memory_mb = %v", got)
	}
	if got, ok := byName["agentpool_self_num_threads"]; !ok || got < 1 {
		t.Errorf("num_threads = %v", got)
	}
	if runtime.GOOS != "windows" {
		if got, ok := byName["agentpool_self_num_fds"]; !ok || got < 1 {
			t.Errorf("num_fds = %v", got)
		}
	}
}

func TestSelfCollectorStartStop(t *testing.T) {
	c, err := NewSelfCollector(SelfCollectorConfig{Enabled: true, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSelfCollector: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	c.Stop()
	c.Stop()
}
