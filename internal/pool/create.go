package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/convoshq/agentpool/internal/env"
	"github.com/convoshq/agentpool/internal/history"
	"github.com/convoshq/agentpool/internal/metrics"
)

// Instance-side filesystem layout. The gateway reads its config from a fixed
// path so restore and restart always find it.
const (
	agentDir         = "/opt/agent"
	configPath       = agentDir + "/config.json"
	dotenvPath       = agentDir + "/.env"
	workspaceDir     = agentDir + "/workspace"
	instructionsPath = workspaceDir + "/INSTRUCTIONS.md"
	statePath        = agentDir + "/state"

	gatewayProcessName = "agent-gateway"
	goldenLabel        = "golden"
)

// heredocDelim is unlikely to occur in config or instructions payloads.
const heredocDelim = "EOF_7f2c9a1d"

// gatewayConfig is the JSON config written into every instance before the
// gateway starts.
type gatewayConfig struct {
	Port      int    `json:"port"`
	Bind      string `json:"bind"`
	AuthToken string `json:"authToken,omitempty"`
	Channel   struct {
		Profile string `json:"profile,omitempty"`
	} `json:"channel"`
}

func (m *Manager) gatewayConfigJSON() (string, error) {
	var gc gatewayConfig
	gc.Port = m.cfg.GatewayPort
	gc.Bind = "0.0.0.0"
	gc.AuthToken = m.cfg.GatewayToken
	gc.Channel.Profile = m.cfg.ProfileName
	b, err := json.MarshalIndent(gc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// instanceEnv composes the environment seeded into a new service.
func (m *Manager) instanceEnv(id string) env.Var {
	e := env.New()
	e.Set("AGENT_INSTANCE_ID", id)
	e.Set("AGENT_GATEWAY_PORT", fmt.Sprintf("%d", m.cfg.GatewayPort))
	if m.cfg.Environment != "" {
		e.Set("AGENT_ENVIRONMENT", m.cfg.Environment)
	}
	return e.Merge(nil)
}

// writeFileScript renders a quoted-heredoc shell script that writes content
// to path, creating the parent directory first.
func writeFileScript(path, content string) string {
	dir := path[:strings.LastIndexByte(path, '/')]
	var b strings.Builder
	b.WriteString("mkdir -p " + dir + "\n")
	b.WriteString("cat > " + path + " <<'" + heredocDelim + "'\n")
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(heredocDelim + "\n")
	return b.String()
}

// CreateInstance provisions one instance end to end: service, controlled
// deploy, config files, gateway process, readiness, golden checkpoint. Any
// failure triggers a best-effort full rollback and feeds the circuit
// breaker.
func (m *Manager) CreateInstance(ctx context.Context) (Instance, error) {
	if !m.brk.allow(time.Now()) {
		return Instance{}, fmt.Errorf("pool: creation suppressed by circuit breaker")
	}
	if m.cache.counts().Total() >= m.cfg.MaxTotal {
		return Instance{}, ErrAtCapacity
	}

	start := time.Now()
	id := newInstanceID()
	name := m.cfg.serviceName(id)
	log := m.log.With("instance_id", id, "name", name)
	log.Info("creating instance")

	serviceID, err := m.prov.CreateService(ctx, name, m.instanceEnv(id))
	if err != nil {
		m.brk.failure(time.Now())
		metrics.IncCreate("error")
		return Instance{}, fmt.Errorf("create service: %w", err)
	}
	log = log.With("service_id", serviceID)

	in := Instance{
		ID:        id,
		ServiceID: serviceID,
		Name:      name,
		State:     StateStarting,
		CreatedAt: time.Now(),
	}
	m.cache.put(in)

	fail := func(stage string, err error) (Instance, error) {
		log.Error("instance creation failed", "stage", stage, "error", err)
		m.rollbackCreate(serviceID)
		m.brk.failure(time.Now())
		metrics.IncCreate("error")
		return Instance{}, fmt.Errorf("%s: %w", stage, err)
	}

	if err := m.prov.CancelDeployments(ctx, serviceID); err != nil {
		log.Warn("cancel initial deployments failed", "error", err)
	}
	if m.cfg.DeployRef != "" {
		if err := m.prov.Deploy(ctx, serviceID, m.cfg.DeployRef); err != nil {
			return fail("deploy", err)
		}
	}

	domain, err := m.prov.CreateDomain(ctx, serviceID)
	if err != nil {
		return fail("create domain", err)
	}
	in.URL = "https://" + domain
	m.cache.put(in)

	cfgJSON, err := m.gatewayConfigJSON()
	if err != nil {
		return fail("render config", err)
	}
	if _, err := m.prov.Exec(ctx, serviceID, writeFileScript(configPath, cfgJSON)); err != nil {
		return fail("write config", err)
	}
	dotenv := strings.Join(env.Lines(env.Var{"MODEL_API_KEY": m.cfg.ModelAPIKey}), "\n")
	if _, err := m.prov.Exec(ctx, serviceID, writeFileScript(dotenvPath, dotenv)); err != nil {
		return fail("write dotenv", err)
	}

	if err := m.startGateway(ctx, serviceID); err != nil {
		return fail("start gateway", err)
	}

	if err := m.waitReady(ctx, in.URL, m.cfg.CreateTimeout); err != nil {
		return fail("wait ready", err)
	}

	if err := m.auditClean(ctx, serviceID); err != nil {
		return fail("pre-checkpoint audit", err)
	}

	if m.prov.SupportsCheckpoints() {
		cpID, err := m.prov.CreateCheckpoint(ctx, serviceID, goldenLabel)
		if err != nil {
			return fail("create checkpoint", err)
		}
		in.CheckpointID = cpID
	}

	in.State = StateIdle
	m.cache.put(in)
	m.brk.success()
	metrics.IncCreate("ok")
	metrics.ObserveCreateDuration(time.Since(start).Seconds())
	log.Info("instance ready", "elapsed", time.Since(start).Round(time.Second), "checkpoint_id", in.CheckpointID)
	m.record(history.Event{
		Type:       history.EventCreated,
		InstanceID: id,
		ServiceID:  serviceID,
	})
	return in, nil
}

// rollbackCreate undoes a partial creation: provider service, metadata row,
// cache entry. Every step is best effort.
func (m *Manager) rollbackCreate(serviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.prov.DeleteService(ctx, serviceID); err != nil {
		m.log.Warn("rollback delete failed", "service_id", serviceID, "error", err)
	}
	st, _ := m.storeAndSinks()
	if st != nil {
		if a, err := st.GetByService(ctx, serviceID); err == nil {
			if err := st.Delete(ctx, a.ID); err != nil {
				m.log.Warn("rollback metadata delete failed", "service_id", serviceID, "error", err)
			}
		}
	}
	m.cache.delete(serviceID)
}

// startGateway registers the long-lived gateway process. Registration is
// keyed by a fixed name, so a retried call replaces rather than duplicates.
func (m *Manager) startGateway(ctx context.Context, serviceID string) error {
	cmd := fmt.Sprintf("cd %s && ./gateway --config %s", agentDir, configPath)
	return m.prov.StartDetached(ctx, serviceID, gatewayProcessName, cmd)
}

// waitReady polls the gateway /status endpoint until ready or the deadline.
func (m *Manager) waitReady(ctx context.Context, url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := m.gw.Probe(ctx, url)
		if err == nil && st.Ready {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("gateway not ready after %s: %w", timeout, err)
			}
			return fmt.Errorf("gateway not ready after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// auditClean verifies no identity or conversation state exists on disk. A
// dirty filesystem would be frozen into the golden checkpoint and leak into
// every recycled instance, so it is a hard failure.
func (m *Manager) auditClean(ctx context.Context, serviceID string) error {
	script := fmt.Sprintf("ls %s/identity* %s/conversations 2>/dev/null || true", statePath, statePath)
	res, err := m.prov.Exec(ctx, serviceID, script)
	if err != nil {
		return fmt.Errorf("audit exec: %w", err)
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		return fmt.Errorf("instance not clean before checkpoint: %s", out)
	}
	return nil
}
