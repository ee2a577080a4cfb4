package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoshq/agentpool/internal/store"
)

func seedClaimed(m *Manager, id, serviceID, url string) {
	m.cache.put(Instance{
		ID:             id,
		ServiceID:      serviceID,
		Name:           "convos-agent-prod-" + id,
		URL:            url,
		State:          StateClaimed,
		CreatedAt:      time.Now(),
		CheckpointID:   "cp-1",
		AgentName:      "scout",
		ConversationID: "conv-1",
	})
}

func TestRecycleUnknownInstance(t *testing.T) {
	m := newTestManager(testConfig(), newFakeProvider())
	err := m.Recycle(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecycleWithoutCheckpointDestroys(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1 // no backfill

	fp := newFakeProvider()
	fp.checkpointing = true

	m := newTestManager(cfg, fp)
	m.brk.openUntil = time.Now().Add(time.Hour) // keep backfill quiet
	m.cache.put(Instance{ID: "abc123def456", ServiceID: "svc-1", State: StateClaimed, CreatedAt: time.Now()})

	require.NoError(t, m.Recycle(context.Background(), "abc123def456"))

	assert.Equal(t, []string{"svc-1"}, fp.deletedIDs())
	_, ok := m.cache.get("svc-1")
	assert.False(t, ok)
}

func TestRecycleWithoutCheckpointSupportDestroys(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1

	fp := newFakeProvider() // checkpointing false
	m := newTestManager(cfg, fp)
	m.brk.openUntil = time.Now().Add(time.Hour)
	seedClaimed(m, "abc123def456", "svc-1", "http://127.0.0.1:1")

	require.NoError(t, m.Recycle(context.Background(), "abc123def456"))
	assert.Equal(t, []string{"svc-1"}, fp.deletedIDs())
}

func TestRecycleRestoresAndReturnsToIdle(t *testing.T) {
	ts := gatewayStub(t, readyHandler(""))

	cfg := testConfig()
	cfg.MaxTotal = 1
	fp := newFakeProvider()
	fp.checkpointing = true
	fs := newFakeStore()

	m := newTestManager(cfg, fp)
	require.NoError(t, m.SetStore(fs))
	seedClaimed(m, "abc123def456", "svc-1", ts.URL)
	fs.rows["abc123def456"] = store.Agent{
		ID:             "abc123def456",
		ServiceID:      "svc-1",
		AgentName:      "scout",
		ConversationID: "conv-1",
		CheckpointID:   "cp-1",
	}

	require.NoError(t, m.Recycle(context.Background(), "abc123def456"))

	fp.mu.Lock()
	assert.Equal(t, []string{"svc-1"}, fp.restores)
	fp.mu.Unlock()
	assert.Equal(t, []string{"svc-1"}, fp.startedIDs())
	assert.Contains(t, fs.deletedIDs(), "abc123def456")

	in, ok := m.cache.get("svc-1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, in.State)
	assert.Equal(t, "cp-1", in.CheckpointID, "the golden checkpoint survives recycles")
	assert.Empty(t, in.AgentName)
	assert.Empty(t, in.ConversationID)
	assert.True(t, m.QuiescentClaims())
}

func TestRecycleRestoreFailureDestroys(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	fp := newFakeProvider()
	fp.checkpointing = true
	fp.restoreErr = errors.New("restore broken")

	m := newTestManager(cfg, fp)
	m.brk.openUntil = time.Now().Add(time.Hour)
	seedClaimed(m, "abc123def456", "svc-1", "http://127.0.0.1:1")

	require.NoError(t, m.Recycle(context.Background(), "abc123def456"))

	assert.Equal(t, []string{"svc-1"}, fp.deletedIDs(), "a failed recycle falls through to destroy")
	_, ok := m.cache.get("svc-1")
	assert.False(t, ok)
	assert.True(t, m.QuiescentClaims())
}

func TestRecycleBusyInstance(t *testing.T) {
	fp := newFakeProvider()
	fp.checkpointing = true

	m := newTestManager(testConfig(), fp)
	seedClaimed(m, "abc123def456", "svc-1", "http://127.0.0.1:1")
	require.True(t, m.infl.tryAdd("svc-1"))

	err := m.Recycle(context.Background(), "abc123def456")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}

func TestDestroyUnknownInstance(t *testing.T) {
	m := newTestManager(testConfig(), newFakeProvider())
	err := m.Destroy(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDestroyRemovesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	fp := newFakeProvider()
	fs := newFakeStore()

	m := newTestManager(cfg, fp)
	m.brk.openUntil = time.Now().Add(time.Hour)
	require.NoError(t, m.SetStore(fs))
	seedClaimed(m, "abc123def456", "svc-1", "http://127.0.0.1:1")

	require.NoError(t, m.Destroy(context.Background(), "abc123def456"))

	assert.Equal(t, []string{"svc-1"}, fp.deletedIDs())
	assert.Contains(t, fs.deletedIDs(), "abc123def456")
	_, ok := m.cache.get("svc-1")
	assert.False(t, ok)
}

func TestDestroyProviderFailure(t *testing.T) {
	fp := newFakeProvider()
	fp.deleteErr = errors.New("provider down")

	m := newTestManager(testConfig(), fp)
	seedClaimed(m, "abc123def456", "svc-1", "http://127.0.0.1:1")

	err := m.Destroy(context.Background(), "abc123def456")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete service")

	_, ok := m.cache.get("svc-1")
	assert.True(t, ok, "the entry stays until the provider delete succeeds")
}

func TestDismissCrashedRequiresCrashedState(t *testing.T) {
	m := newTestManager(testConfig(), newFakeProvider())
	m.cache.put(Instance{ID: "abc123def456", ServiceID: "svc-1", State: StateIdle, CreatedAt: time.Now()})

	err := m.DismissCrashed(context.Background(), "abc123def456")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not crashed")
}

func TestDismissCrashed(t *testing.T) {
	fp := newFakeProvider()
	fs := newFakeStore()

	m := newTestManager(testConfig(), fp)
	require.NoError(t, m.SetStore(fs))
	m.cache.put(Instance{
		ID:        "abc123def456",
		ServiceID: "svc-1",
		State:     StateCrashed,
		AgentName: "scout",
		CreatedAt: time.Now(),
	})

	require.NoError(t, m.DismissCrashed(context.Background(), "abc123def456"))

	assert.Equal(t, []string{"svc-1"}, fp.deletedIDs())
	assert.Contains(t, fs.deletedIDs(), "abc123def456")
	_, ok := m.cache.get("svc-1")
	assert.False(t, ok)
}

func TestDismissCrashedTolerantOfProviderFailure(t *testing.T) {
	fp := newFakeProvider()
	fp.deleteErr = errors.New("already gone")

	m := newTestManager(testConfig(), fp)
	m.cache.put(Instance{ID: "abc123def456", ServiceID: "svc-1", State: StateCrashed, CreatedAt: time.Now()})

	require.NoError(t, m.DismissCrashed(context.Background(), "abc123def456"))
	_, ok := m.cache.get("svc-1")
	assert.False(t, ok, "dismiss clears the entry even when the service delete fails")
}

func TestReplenishBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 3
	fp := newFakeProvider()
	fp.createErr = errors.New("stop")

	m := newTestManager(cfg, fp)
	m.cache.put(Instance{ID: "a", ServiceID: "s1", State: StateIdle, CreatedAt: time.Now()})
	m.cache.put(Instance{ID: "b", ServiceID: "s2", State: StateIdle, CreatedAt: time.Now()})

	assert.Equal(t, 0, m.Replenish(context.Background(), 0))
	assert.Equal(t, 0, m.Replenish(context.Background(), -1))

	launched := m.Replenish(context.Background(), 5)
	assert.Equal(t, 1, launched, "launches are capped by the MaxTotal headroom")

	require.Eventually(t, func() bool {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		return fp.createTrys >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplenishSuppressedByBreaker(t *testing.T) {
	m := newTestManager(testConfig(), newFakeProvider())
	m.brk.openUntil = time.Now().Add(time.Hour)

	assert.Equal(t, 0, m.Replenish(context.Background(), 2))
}

func TestDrainDestroysOnlyIdle(t *testing.T) {
	fp := newFakeProvider()
	m := newTestManager(testConfig(), fp)
	now := time.Now()
	m.cache.put(Instance{ID: "a", ServiceID: "s1", State: StateIdle, CreatedAt: now})
	m.cache.put(Instance{ID: "b", ServiceID: "s2", State: StateIdle, CreatedAt: now.Add(time.Second)})
	m.cache.put(Instance{ID: "c", ServiceID: "s3", State: StateClaimed, CreatedAt: now.Add(2 * time.Second)})

	drained := m.Drain(context.Background(), 5)
	assert.Equal(t, 2, drained)
	assert.ElementsMatch(t, []string{"s1", "s2"}, fp.deletedIDs())

	_, ok := m.cache.get("s3")
	assert.True(t, ok, "claimed instances are never drained")
	assert.True(t, m.QuiescentClaims())
}

func TestDrainRespectsCount(t *testing.T) {
	fp := newFakeProvider()
	m := newTestManager(testConfig(), fp)
	now := time.Now()
	m.cache.put(Instance{ID: "a", ServiceID: "s1", State: StateIdle, CreatedAt: now})
	m.cache.put(Instance{ID: "b", ServiceID: "s2", State: StateIdle, CreatedAt: now.Add(time.Second)})

	assert.Equal(t, 1, m.Drain(context.Background(), 1))
	assert.Equal(t, 0, m.Drain(context.Background(), 0))
	assert.Len(t, fp.deletedIDs(), 1)
}

func TestDrainSkipsFailedDeletes(t *testing.T) {
	fp := newFakeProvider()
	fp.deleteErr = errors.New("provider down")

	m := newTestManager(testConfig(), fp)
	m.cache.put(Instance{ID: "a", ServiceID: "s1", State: StateIdle, CreatedAt: time.Now()})

	assert.Equal(t, 0, m.Drain(context.Background(), 1))
	_, ok := m.cache.get("s1")
	assert.True(t, ok)
	assert.True(t, m.QuiescentClaims())
}
