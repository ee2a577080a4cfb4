package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// Register is once-per-process, so every test shares the default registry.
func mustRegister(t *testing.T) {
	t.Helper()
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func gatherNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]bool, len(families))
	for _, mf := range families {
		out[mf.GetName()] = true
	}
	return out
}

func TestRegisterIdempotent(t *testing.T) {
	mustRegister(t)
	mustRegister(t)
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("Register after success must be a no-op, got %v", err)
	}
}

func TestHelpersRecordAfterRegister(t *testing.T) {
	mustRegister(t)

	ObserveTick(0.5)
	IncListFailure()
	SetPoolState("idle", 2)
	SetPoolState("claimed", 1)
	SetBreakerOpen(true)
	IncCreate("ok")
	IncCreate("error")
	ObserveCreateDuration(42)
	IncClaim("ok")
	ObserveClaimDuration(0.2)
	IncRecycle("error")
	IncDestroy()
	IncHeartbeatFailure()
	IncHeartbeatWake()

	byName := gatherNames(t)
	for _, name := range []string{
		"agentpool_reconciler_tick_duration_seconds",
		"agentpool_reconciler_list_failures_total",
		"agentpool_pool_instances",
		"agentpool_pool_breaker_open",
		"agentpool_pool_creates_total",
		"agentpool_pool_create_duration_seconds",
		"agentpool_pool_claims_total",
		"agentpool_pool_claim_duration_seconds",
		"agentpool_pool_recycles_total",
		"agentpool_pool_destroys_total",
		"agentpool_heartbeat_failures_total",
		"agentpool_heartbeat_wakes_total",
	} {
		if !byName[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestPoolStateGaugeValues(t *testing.T) {
	mustRegister(t)

	SetPoolState("starting", 3)
	SetPoolState("starting", 1) // gauges track the latest value

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "agentpool_pool_instances" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "state" && l.GetValue() == "starting" {
					if got := m.GetGauge().GetValue(); got != 1 {
						t.Errorf("starting gauge = %v, want 1", got)
					}
					return
				}
			}
		}
	}
	t.Fatal("starting gauge not found")
}

func TestBreakerOpenGauge(t *testing.T) {
	mustRegister(t)

	SetBreakerOpen(true)
	SetBreakerOpen(false)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "agentpool_pool_breaker_open" {
			if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 0 {
				t.Errorf("breaker gauge = %v, want 0 after close", got)
			}
			return
		}
	}
	t.Fatal("breaker gauge not found")
}

func TestHandlerServesExposition(t *testing.T) {
	mustRegister(t)
	IncDestroy()

	ts := httptest.NewServer(Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), "agentpool_pool_destroys_total") {
		t.Error("exposition output missing pool metrics")
	}
}
