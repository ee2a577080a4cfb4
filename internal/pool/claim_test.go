package pool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimGatewayHandler(conversationID, inviteURL string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversation", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"conversationId": conversationID,
			"inviteUrl":      inviteURL,
		})
	})
	return mux
}

func seedIdle(m *Manager, id, serviceID, url string) {
	m.cache.put(Instance{
		ID:           id,
		ServiceID:    serviceID,
		Name:         "convos-agent-prod-" + id,
		URL:          url,
		State:        StateIdle,
		CreatedAt:    time.Now(),
		CheckpointID: "cp-1",
	})
}

func TestClaimRequiresAgentName(t *testing.T) {
	m := newTestManager(testConfig(), newFakeProvider())
	_, err := m.Claim(context.Background(), ClaimRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent name is required")
}

func TestClaimNoIdle(t *testing.T) {
	m := newTestManager(testConfig(), newFakeProvider())
	_, err := m.Claim(context.Background(), ClaimRequest{AgentName: "scout"})
	assert.ErrorIs(t, err, ErrNoIdle)
}

func TestClaimSuccess(t *testing.T) {
	ts := gatewayStub(t, claimGatewayHandler("conv-1", "https://invite.test/abc"))

	cfg := testConfig()
	cfg.MaxTotal = 1 // no backfill after the claim
	fp := newFakeProvider()
	fs := newFakeStore()

	m := newTestManager(cfg, fp)
	require.NoError(t, m.SetStore(fs))
	seedIdle(m, "abc123def456", "svc-1", ts.URL)

	res, err := m.Claim(context.Background(), ClaimRequest{AgentName: "Scout Bot"})
	require.NoError(t, err)
	assert.Equal(t, "abc123def456", res.InstanceID)
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.Equal(t, "https://invite.test/abc", res.InviteURL)
	assert.False(t, res.Joined)

	in, ok := m.cache.get("svc-1")
	require.True(t, ok)
	assert.Equal(t, StateClaimed, in.State)
	assert.Equal(t, "Scout Bot", in.AgentName)
	assert.Equal(t, "conv-1", in.ConversationID)

	row, ok := fs.get("abc123def456")
	require.True(t, ok)
	assert.Equal(t, "svc-1", row.ServiceID)
	assert.Equal(t, "cp-1", row.CheckpointID)
	assert.False(t, row.ClaimedAt.IsZero())

	fp.mu.Lock()
	assert.Equal(t, "convos-agent-prod-abc123def456-scout-bot", fp.renames["svc-1"])
	fp.mu.Unlock()

	assert.True(t, m.QuiescentClaims(), "claim-in-progress set must drain")
}

func TestClaimWritesInstructions(t *testing.T) {
	ts := gatewayStub(t, claimGatewayHandler("conv-1", ""))

	cfg := testConfig()
	cfg.MaxTotal = 1
	fp := newFakeProvider()

	m := newTestManager(cfg, fp)
	seedIdle(m, "abc123def456", "svc-1", ts.URL)

	_, err := m.Claim(context.Background(), ClaimRequest{
		AgentName:    "scout",
		Instructions: "Summarize the release notes.",
	})
	require.NoError(t, err)

	scripts := fp.execScripts("svc-1")
	require.Len(t, scripts, 1)
	assert.Contains(t, scripts[0], instructionsPath)
	assert.Contains(t, scripts[0], "Summarize the release notes.")
}

func TestClaimInstructionsWriteFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	fp := newFakeProvider()
	fp.execErr = errors.New("exec boom")

	m := newTestManager(cfg, fp)
	seedIdle(m, "abc123def456", "svc-1", "http://127.0.0.1:1")

	_, err := m.Claim(context.Background(), ClaimRequest{
		AgentName:    "scout",
		Instructions: "anything",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write instructions")

	in, ok := m.cache.get("svc-1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, in.State, "a failed claim leaves the entry idle")
	assert.True(t, m.QuiescentClaims())
}

func TestClaimConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversation", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "already bound", http.StatusConflict)
	})
	ts := gatewayStub(t, mux)

	cfg := testConfig()
	cfg.MaxTotal = 1
	m := newTestManager(cfg, newFakeProvider())
	seedIdle(m, "abc123def456", "svc-1", ts.URL)

	_, err := m.Claim(context.Background(), ClaimRequest{AgentName: "scout"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "abc123def456")

	in, ok := m.cache.get("svc-1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, in.State)
	assert.True(t, m.QuiescentClaims())
}

func TestClaimJoinWaiting(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/join", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			InviteURL   string `json:"inviteUrl"`
			ProfileName string `json:"profileName"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://invite.test/xyz", req.InviteURL)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "waiting_for_acceptance",
		})
	})
	ts := gatewayStub(t, mux)

	cfg := testConfig()
	cfg.MaxTotal = 1
	fs := newFakeStore()
	m := newTestManager(cfg, newFakeProvider())
	require.NoError(t, m.SetStore(fs))
	seedIdle(m, "abc123def456", "svc-1", ts.URL)

	res, err := m.Claim(context.Background(), ClaimRequest{
		AgentName: "scout",
		JoinURL:   "https://invite.test/xyz",
	})
	require.NoError(t, err)
	assert.True(t, res.Joined)
	assert.Empty(t, res.ConversationID, "a pending join completes with an empty conversation id")

	row, ok := fs.get("abc123def456")
	require.True(t, ok)
	assert.Empty(t, row.ConversationID)
}

func TestClaimStorePutFailureAborts(t *testing.T) {
	ts := gatewayStub(t, claimGatewayHandler("conv-1", ""))

	cfg := testConfig()
	cfg.MaxTotal = 1
	fs := newFakeStore()
	fs.putErr = errors.New("db down")

	m := newTestManager(cfg, newFakeProvider())
	require.NoError(t, m.SetStore(fs))
	seedIdle(m, "abc123def456", "svc-1", ts.URL)

	_, err := m.Claim(context.Background(), ClaimRequest{AgentName: "scout"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store claim metadata")

	in, ok := m.cache.get("svc-1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, in.State)
}

func TestClaimConcurrentGetsDistinctInstances(t *testing.T) {
	ts := gatewayStub(t, claimGatewayHandler("conv-1", ""))

	cfg := testConfig()
	cfg.MaxTotal = 2
	m := newTestManager(cfg, newFakeProvider())
	seedIdle(m, "aaa111222333", "svc-1", ts.URL)
	seedIdle(m, "bbb111222333", "svc-2", ts.URL)

	var mu sync.Mutex
	got := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Claim(context.Background(), ClaimRequest{AgentName: "scout"})
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			mu.Lock()
			got[res.InstanceID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, got, 2, "concurrent claims must select distinct instances")
	for id, n := range got {
		assert.Equal(t, 1, n, "instance %s claimed twice", id)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Scout Bot", "scout-bot"},
		{"UPPER", "upper"},
		{"weird!@#chars", "weirdchars"},
		{"under_score-dash", "under-score-dash"},
		{"--trimmed--", "trimmed"},
		{"", ""},
		{strings.Repeat("a", 40), strings.Repeat("a", 24)},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
