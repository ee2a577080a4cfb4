package pool

import (
	"context"
	"sync"
	"time"

	"github.com/convoshq/agentpool/internal/metrics"
)

// heartbeats tracks per-service consecutive probe failures and recovery
// attempts for the heartbeat loop.
type heartbeats struct {
	mu            sync.Mutex
	failThreshold int
	recoveryCap   int
	fails         map[string]int
	recoveries    map[string]int
}

func newHeartbeats(failThreshold, recoveryCap int) *heartbeats {
	if failThreshold <= 0 {
		failThreshold = 3
	}
	if recoveryCap <= 0 {
		recoveryCap = 3
	}
	return &heartbeats{
		failThreshold: failThreshold,
		recoveryCap:   recoveryCap,
		fails:         make(map[string]int),
		recoveries:    make(map[string]int),
	}
}

func (h *heartbeats) success(serviceID string) {
	h.mu.Lock()
	delete(h.fails, serviceID)
	h.mu.Unlock()
}

// failure increments the consecutive-failure counter and reports whether the
// threshold has been reached.
func (h *heartbeats) failure(serviceID string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fails[serviceID]++
	n := h.fails[serviceID]
	return n, n >= h.failThreshold
}

// recovered resets the failure counter after a successful wake and reports
// whether the recovery-attempt cap is exhausted.
func (h *heartbeats) recovered(serviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.fails, serviceID)
	h.recoveries[serviceID]++
	return h.recoveries[serviceID] > h.recoveryCap
}

func (h *heartbeats) exhausted(serviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recoveries[serviceID] >= h.recoveryCap
}

// forget drops all counters for a service. Called on every teardown path.
func (h *heartbeats) forget(serviceID string) {
	h.mu.Lock()
	delete(h.fails, serviceID)
	delete(h.recoveries, serviceID)
	h.mu.Unlock()
}

// StartHeartbeat runs the hibernation watchdog until StopHeartbeat. A zero
// HeartbeatInterval disables it entirely.
func (m *Manager) StartHeartbeat() {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.mu.Lock()
	if m.hbStop != nil {
		m.mu.Unlock()
		return // already running
	}
	stop := make(chan struct{})
	m.hbStop = stop
	m.mu.Unlock()
	go func() {
		t := time.NewTicker(m.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.heartbeatOnce(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

func (m *Manager) StopHeartbeat() {
	m.mu.Lock()
	ch := m.hbStop
	m.hbStop = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// heartbeatOnce pings every idle and claimed instance. It never rewrites
// derived state; persistent failures route into the same cleanup primitives
// the rest of the pool uses.
func (m *Manager) heartbeatOnce(ctx context.Context) {
	for _, in := range m.cache.snapshot() {
		if in.State != StateIdle && in.State != StateClaimed {
			continue
		}
		if m.infl.has(in.ServiceID) || in.URL == "" {
			continue
		}
		st, err := m.gw.Probe(ctx, in.URL)
		if err == nil && st.Ready {
			m.hbeats.success(in.ServiceID)
			continue
		}
		metrics.IncHeartbeatFailure()
		n, atThreshold := m.hbeats.failure(in.ServiceID)
		if !atThreshold {
			m.log.Debug("heartbeat miss", "instance_id", in.ID, "state", in.State, "consecutive", n)
			continue
		}
		switch in.State {
		case StateIdle:
			m.log.Warn("idle instance unresponsive, cleaning up", "instance_id", in.ID, "consecutive", n)
			m.cleanupInstance(ctx, in.ServiceID)
		case StateClaimed:
			m.reviveClaimed(ctx, in, n)
		}
	}
}

// reviveClaimed tries to wake a hibernated claimed instance by restarting
// its gateway. After the recovery cap the instance is cleaned up.
func (m *Manager) reviveClaimed(ctx context.Context, in Instance, consecutive int) {
	if m.hbeats.exhausted(in.ServiceID) {
		m.log.Warn("claimed instance past recovery cap, cleaning up",
			"instance_id", in.ID, "agent", in.AgentName)
		m.cleanupInstance(ctx, in.ServiceID)
		return
	}
	m.log.Warn("claimed instance unresponsive, attempting wake",
		"instance_id", in.ID, "agent", in.AgentName, "consecutive", consecutive)
	if err := m.startGateway(ctx, in.ServiceID); err != nil {
		m.log.Warn("wake failed", "instance_id", in.ID, "error", err)
		return
	}
	metrics.IncHeartbeatWake()
	m.hbeats.recovered(in.ServiceID)
}
