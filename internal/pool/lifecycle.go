package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/convoshq/agentpool/internal/history"
	"github.com/convoshq/agentpool/internal/metrics"
)

// Recycle returns a claimed instance to idle by restoring the golden
// checkpoint. Without a recorded checkpoint it falls through to Destroy.
func (m *Manager) Recycle(ctx context.Context, id string) error {
	in, ok := m.cache.getByInstanceID(id)
	if !ok {
		return errInstanceNotFound(id)
	}
	if in.CheckpointID == "" || !m.prov.SupportsCheckpoints() {
		m.log.Info("no checkpoint recorded, destroying instead", "instance_id", id)
		return m.Destroy(ctx, id)
	}
	if !m.infl.tryAdd(in.ServiceID) {
		return fmt.Errorf("pool: instance %s is busy", id)
	}
	defer m.infl.remove(in.ServiceID)

	log := m.log.With("instance_id", id, "service_id", in.ServiceID)
	log.Info("recycling instance", "checkpoint_id", in.CheckpointID)

	if err := m.recycleSteps(ctx, in); err != nil {
		log.Warn("recycle failed, destroying", "error", err)
		metrics.IncRecycle("error")
		m.infl.remove(in.ServiceID)
		return m.Destroy(ctx, id)
	}

	st, _ := m.storeAndSinks()
	if st != nil {
		if err := st.Delete(ctx, in.ID); err != nil {
			log.Warn("metadata delete failed", "error", err)
		}
	}

	m.cache.put(Instance{
		ID:           in.ID,
		ServiceID:    in.ServiceID,
		Name:         in.Name,
		URL:          in.URL,
		State:        StateIdle,
		DeployStatus: in.DeployStatus,
		CreatedAt:    in.CreatedAt,
		CheckpointID: in.CheckpointID,
	})
	m.hbeats.forget(in.ServiceID)

	metrics.IncRecycle("ok")
	log.Info("instance recycled")
	m.record(history.Event{
		Type:       history.EventRecycled,
		InstanceID: in.ID,
		ServiceID:  in.ServiceID,
		AgentName:  in.AgentName,
	})
	return nil
}

func (m *Manager) recycleSteps(ctx context.Context, in Instance) error {
	if err := m.prov.RestoreCheckpoint(ctx, in.ServiceID, in.CheckpointID); err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}
	// the restore kills every process; the registered service auto-restarts
	// on some providers, re-registering covers the rest
	if err := m.startGateway(ctx, in.ServiceID); err != nil {
		return fmt.Errorf("restart gateway: %w", err)
	}
	if err := m.waitReady(ctx, in.URL, m.cfg.RecycleTimeout); err != nil {
		return err
	}
	return nil
}

// Destroy removes an instance unconditionally: metadata row, provider
// service, cache entry, then a backfill attempt.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	in, ok := m.cache.getByInstanceID(id)
	if !ok {
		return errInstanceNotFound(id)
	}
	log := m.log.With("instance_id", id, "service_id", in.ServiceID)
	log.Info("destroying instance", "state", in.State)

	st, _ := m.storeAndSinks()
	if st != nil {
		if err := st.Delete(ctx, in.ID); err != nil {
			log.Warn("metadata delete failed", "error", err)
		}
	}
	if err := m.prov.DeleteService(ctx, in.ServiceID); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	m.cache.delete(in.ServiceID)
	m.hbeats.forget(in.ServiceID)

	metrics.IncDestroy()
	m.record(history.Event{
		Type:       history.EventDestroyed,
		InstanceID: in.ID,
		ServiceID:  in.ServiceID,
		AgentName:  in.AgentName,
		Detail:     "explicit destroy",
	})
	m.backfill()
	return nil
}

// DismissCrashed acknowledges a crashed entry: the metadata row and any
// remaining provider service are removed and the entry disappears from the
// dashboard.
func (m *Manager) DismissCrashed(ctx context.Context, id string) error {
	in, ok := m.cache.getByInstanceID(id)
	if !ok {
		return errInstanceNotFound(id)
	}
	if in.State != StateCrashed {
		return fmt.Errorf("pool: instance %s is %s, not crashed", id, in.State)
	}
	st, _ := m.storeAndSinks()
	if st != nil {
		if err := st.Delete(ctx, in.ID); err != nil {
			m.log.Warn("metadata delete failed", "instance_id", id, "error", err)
		}
	}
	if err := m.prov.DeleteService(ctx, in.ServiceID); err != nil {
		m.log.Warn("crashed service delete failed", "instance_id", id, "error", err)
	}
	m.cache.delete(in.ServiceID)
	m.hbeats.forget(in.ServiceID)
	m.log.Info("crashed instance dismissed", "instance_id", id, "agent", in.AgentName)
	m.record(history.Event{
		Type:       history.EventDismissed,
		InstanceID: in.ID,
		ServiceID:  in.ServiceID,
		AgentName:  in.AgentName,
	})
	return nil
}

// Replenish fires up to count unawaited creations, bounded by MaxTotal.
// Returns the number launched.
func (m *Manager) Replenish(ctx context.Context, count int) int {
	if count <= 0 {
		return 0
	}
	headroom := m.cfg.MaxTotal - m.cache.counts().Total()
	if count > headroom {
		count = headroom
	}
	if count <= 0 {
		return 0
	}
	if !m.brk.allow(time.Now()) {
		m.log.Warn("replenish suppressed by circuit breaker", "count", count)
		return 0
	}
	m.log.Info("manual replenish", "count", count)
	for i := 0; i < count; i++ {
		go func() {
			if _, err := m.CreateInstance(context.Background()); err != nil {
				m.log.Error("replenish create failed", "error", err)
			}
		}()
	}
	return count
}

// Drain destroys up to count idle instances. Returns the number destroyed.
func (m *Manager) Drain(ctx context.Context, count int) int {
	if count <= 0 {
		return 0
	}
	drained := 0
	for _, in := range m.cache.snapshot() {
		if drained >= count {
			break
		}
		if in.State != StateIdle || m.infl.has(in.ServiceID) {
			continue
		}
		if !m.infl.tryAdd(in.ServiceID) {
			continue
		}
		err := m.destroyIdle(ctx, in)
		m.infl.remove(in.ServiceID)
		if err != nil {
			m.log.Warn("drain destroy failed", "instance_id", in.ID, "error", err)
			continue
		}
		drained++
	}
	m.log.Info("drained idle instances", "requested", count, "drained", drained)
	return drained
}

func (m *Manager) destroyIdle(ctx context.Context, in Instance) error {
	if err := m.prov.DeleteService(ctx, in.ServiceID); err != nil {
		return err
	}
	m.cache.delete(in.ServiceID)
	m.hbeats.forget(in.ServiceID)
	metrics.IncDestroy()
	m.record(history.Event{
		Type:       history.EventDestroyed,
		InstanceID: in.ID,
		ServiceID:  in.ServiceID,
		Detail:     "drain",
	})
	return nil
}

// cleanupInstance is the heartbeat's shared teardown: provider service,
// metadata row, cache entry, counters.
func (m *Manager) cleanupInstance(ctx context.Context, serviceID string) {
	in, ok := m.cache.get(serviceID)
	if !ok {
		return
	}
	if err := m.prov.DeleteService(ctx, serviceID); err != nil {
		m.log.Warn("cleanup delete failed", "service_id", serviceID, "error", err)
		return
	}
	st, _ := m.storeAndSinks()
	if st != nil && in.ID != "" {
		if err := st.Delete(ctx, in.ID); err != nil {
			m.log.Warn("cleanup metadata delete failed", "instance_id", in.ID, "error", err)
		}
	}
	m.cache.delete(serviceID)
	m.hbeats.forget(serviceID)
	metrics.IncDestroy()
	m.record(history.Event{
		Type:       history.EventDestroyed,
		InstanceID: in.ID,
		ServiceID:  serviceID,
		AgentName:  in.AgentName,
		Detail:     "heartbeat cleanup",
	})
}
