package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/convoshq/agentpool/internal/gateway"
	"github.com/convoshq/agentpool/internal/history"
	"github.com/convoshq/agentpool/internal/metrics"
	"github.com/convoshq/agentpool/internal/store"
)

// ClaimRequest hands an idle instance to a named agent. When JoinURL is set
// the instance joins an existing conversation instead of creating one.
type ClaimRequest struct {
	AgentName    string
	Instructions string
	JoinURL      string
}

type ClaimResult struct {
	InstanceID     string `json:"instanceId"`
	ConversationID string `json:"conversationId"`
	InviteURL      string `json:"inviteUrl,omitempty"`
	Joined         bool   `json:"joined"`
}

// Claim moves one idle instance to claimed. Selection and the
// claim-in-progress insert happen under the claim gate, before any I/O;
// everything after runs without locks against an instance no other claim or
// tick will touch.
func (m *Manager) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if req.AgentName == "" {
		return ClaimResult{}, fmt.Errorf("pool: agent name is required")
	}

	in, ok := m.selectIdle()
	if !ok {
		metrics.IncClaim("no_idle")
		return ClaimResult{}, ErrNoIdle
	}
	defer m.infl.remove(in.ServiceID)

	start := time.Now()
	log := m.log.With("instance_id", in.ID, "service_id", in.ServiceID, "agent", req.AgentName)
	log.Info("claiming instance", "join", req.JoinURL != "")

	if req.Instructions != "" {
		if _, err := m.prov.Exec(ctx, in.ServiceID, writeFileScript(instructionsPath, req.Instructions)); err != nil {
			metrics.IncClaim("error")
			return ClaimResult{}, fmt.Errorf("write instructions: %w", err)
		}
	}

	res, err := m.bindConversation(ctx, in.URL, req)
	if err != nil {
		// no metadata was written: the instance stays reachable and the next
		// tick re-derives it from the gateway
		if errors.Is(err, gateway.ErrConflict) {
			metrics.IncClaim("conflict")
			return ClaimResult{}, fmt.Errorf("%w: %s", ErrConflict, in.ID)
		}
		metrics.IncClaim("error")
		return ClaimResult{}, err
	}

	now := time.Now()
	agent := store.Agent{
		ID:             in.ID,
		ServiceID:      in.ServiceID,
		AgentName:      req.AgentName,
		ConversationID: res.ConversationID,
		InviteURL:      res.InviteURL,
		Instructions:   req.Instructions,
		CheckpointID:   in.CheckpointID,
		CreatedAt:      in.CreatedAt,
		ClaimedAt:      now,
	}
	st, _ := m.storeAndSinks()
	if st != nil {
		if err := st.Put(ctx, agent); err != nil {
			metrics.IncClaim("error")
			return ClaimResult{}, fmt.Errorf("store claim metadata: %w", err)
		}
	}

	// dashboard-only; never load bearing
	if err := m.prov.RenameService(ctx, in.ServiceID, in.Name+"-"+slugify(req.AgentName)); err != nil {
		log.Warn("rename failed", "error", err)
	}

	in.State = StateClaimed
	in.enrich(agent)
	m.cache.put(in)

	metrics.IncClaim("ok")
	metrics.ObserveClaimDuration(time.Since(start).Seconds())
	log.Info("instance claimed", "conversation_id", res.ConversationID, "joined", res.Joined)
	m.record(history.Event{
		Type:       history.EventClaimed,
		InstanceID: in.ID,
		ServiceID:  in.ServiceID,
		AgentName:  req.AgentName,
		Detail:     res.ConversationID,
	})

	m.backfill()
	return ClaimResult{
		InstanceID:     in.ID,
		ConversationID: res.ConversationID,
		InviteURL:      res.InviteURL,
		Joined:         res.Joined,
	}, nil
}

// selectIdle picks one idle instance and inserts it into the
// claim-in-progress set, both under the claim gate.
func (m *Manager) selectIdle() (Instance, bool) {
	m.claimGate.Lock()
	defer m.claimGate.Unlock()
	for _, in := range m.cache.snapshot() {
		if in.State != StateIdle || m.infl.has(in.ServiceID) {
			continue
		}
		if !m.infl.tryAdd(in.ServiceID) {
			continue
		}
		return in, true
	}
	return Instance{}, false
}

// bindConversation calls the gateway in create or join mode. A join that is
// still waiting for acceptance completes the claim with an empty
// conversation id.
func (m *Manager) bindConversation(ctx context.Context, url string, req ClaimRequest) (ClaimResult, error) {
	if req.JoinURL != "" {
		jr, err := m.gw.Join(ctx, url, gateway.JoinRequest{
			InviteURL:   req.JoinURL,
			ProfileName: m.cfg.ProfileName,
		})
		if err != nil {
			return ClaimResult{}, fmt.Errorf("gateway join: %w", err)
		}
		return ClaimResult{
			ConversationID: jr.ConversationID,
			InviteURL:      jr.InviteURL,
			Joined:         true,
		}, nil
	}
	cr, err := m.gw.CreateConversation(ctx, url, gateway.ConversationRequest{
		Name:        req.AgentName,
		ProfileName: m.cfg.ProfileName,
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("gateway conversation: %w", err)
	}
	return ClaimResult{
		ConversationID: cr.ConversationID,
		InviteURL:      cr.InviteURL,
	}, nil
}

// backfill fires an unawaited creation when below MaxTotal.
func (m *Manager) backfill() {
	if m.cache.counts().Total() >= m.cfg.MaxTotal {
		return
	}
	if !m.brk.allow(time.Now()) {
		return
	}
	go func() {
		if _, err := m.CreateInstance(context.Background()); err != nil {
			m.log.Error("backfill create failed", "error", err)
		}
	}()
}

// slugify reduces an agent name to a provider-safe name suffix.
func slugify(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 24 {
		out = out[:24]
	}
	return out
}
