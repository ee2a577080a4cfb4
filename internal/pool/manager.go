package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/convoshq/agentpool/internal/gateway"
	"github.com/convoshq/agentpool/internal/history"
	"github.com/convoshq/agentpool/internal/metrics"
	"github.com/convoshq/agentpool/internal/provider"
	"github.com/convoshq/agentpool/internal/store"
)

// Config is the pool control-loop configuration. Zero values fall back to
// the documented defaults.
type Config struct {
	Prefix      string // managed service name prefix, e.g. "convos-agent-"
	Environment string // environment tag, part of every service name
	SelfName    string // the pool manager's own service name, excluded from scope
	DeployRef   string // branch/commit for the single controlled deploy

	MinIdle  int
	MaxTotal int

	TickInterval      time.Duration // reconciler cadence (default 30s)
	HeartbeatInterval time.Duration // 0 disables the heartbeat
	StuckTimeout      time.Duration // default 15m
	OrphanGrace       time.Duration // age before a metadata-less orphan may be deleted
	CreateTimeout     time.Duration // gateway readiness wait on create (default 2m)
	RecycleTimeout    time.Duration // gateway readiness wait on recycle (default 60s)

	BreakerThreshold int           // consecutive create failures before opening (default 3)
	BreakerCooldown  time.Duration // creation suppression window (default 5m)

	HeartbeatFailThreshold int // consecutive probe failures before action (default 3)
	HeartbeatRecoveryCap   int // wake attempts on a claimed instance before cleanup (default 3)

	// instance-side settings baked into each gateway config
	ModelAPIKey  string
	GatewayPort  int
	GatewayToken string
	ProfileName  string // agent profile passed on conversation create/join
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "convos-agent-"
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 5
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = DefaultStuckTimeout
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 2 * time.Minute
	}
	if c.RecycleTimeout <= 0 {
		c.RecycleTimeout = 60 * time.Second
	}
	if c.GatewayPort <= 0 {
		c.GatewayPort = 8200
	}
	if c.HeartbeatFailThreshold <= 0 {
		c.HeartbeatFailThreshold = 3
	}
	if c.HeartbeatRecoveryCap <= 0 {
		c.HeartbeatRecoveryCap = 3
	}
}

// namePrefix is the full in-scope service name prefix.
func (c *Config) namePrefix() string { return c.Prefix + c.Environment + "-" }

// serviceName composes the provider name for a new instance id.
func (c *Config) serviceName(id string) string { return c.namePrefix() + id }

// instanceIDFromName recovers the instance id from a managed service name.
func (c *Config) instanceIDFromName(name string) string {
	return strings.TrimPrefix(name, c.namePrefix())
}

// Manager owns the cache, the claim-in-progress set, and the periodic loops
// that keep the remote instance set consistent with the desired pool shape.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	prov   provider.Client
	gw     *gateway.Client
	brk    *breaker
	cache  *cache
	infl   *inflight
	hbeats *heartbeats

	mu        sync.Mutex // guards st, sinks, loop channels
	st        store.Store
	sinks     []history.Sink
	tickStop  chan struct{}
	hbStop    chan struct{}
	ticking   atomic.Bool
	claimGate sync.Mutex // serializes idle-instance selection in Claim
}

func NewManager(cfg Config, prov provider.Client, gw *gateway.Client, log *slog.Logger) *Manager {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if gw == nil {
		gw = gateway.New(gateway.DefaultProbeTimeout)
	}
	return &Manager{
		cfg:    cfg,
		log:    log,
		prov:   prov,
		gw:     gw,
		brk:    newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		cache:  newCache(),
		infl:   newInflight(),
		hbeats: newHeartbeats(cfg.HeartbeatFailThreshold, cfg.HeartbeatRecoveryCap),
	}
}

// SetStore configures the claim metadata store and ensures its schema.
func (m *Manager) SetStore(s store.Store) error {
	m.mu.Lock()
	m.st = s
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.EnsureSchema(context.Background())
}

// SetHistorySinks configures lifecycle event sinks. Passing none clears them.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.sinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

func (m *Manager) storeAndSinks() (store.Store, []history.Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, append([]history.Sink(nil), m.sinks...)
}

func (m *Manager) record(evt history.Event) {
	_, sinks := m.storeAndSinks()
	if len(sinks) == 0 {
		return
	}
	evt.Stamp()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range sinks {
		if err := s.Send(ctx, evt); err != nil {
			m.log.Warn("history sink send failed", "type", evt.Type, "error", err)
		}
	}
}

// Counts returns the per-state summary from the cache.
func (m *Manager) Counts() Counts { return m.cache.counts() }

// Snapshot returns all cache entries ordered by creation time.
func (m *Manager) Snapshot() []Instance { return m.cache.snapshot() }

// Agents returns the claimed and crashed entries with display fields.
func (m *Manager) Agents() []Instance {
	all := m.cache.snapshot()
	out := make([]Instance, 0, len(all))
	for _, in := range all {
		if in.State == StateClaimed || in.State == StateCrashed {
			out = append(out, in)
		}
	}
	return out
}

// InstanceByID resolves a cache entry by its stable instance id.
func (m *Manager) InstanceByID(id string) (Instance, bool) { return m.cache.getByInstanceID(id) }

// ReconcileOnce performs one reconciliation tick. Overlapping invocations are
// coalesced: a tick that finds another one running returns immediately.
func (m *Manager) ReconcileOnce(ctx context.Context) {
	if !m.ticking.CompareAndSwap(false, true) {
		return
	}
	defer m.ticking.Store(false)
	start := time.Now()
	defer func() { metrics.ObserveTick(time.Since(start).Seconds()) }()

	services, err := m.prov.ListServices(ctx)
	if err != nil {
		// partial view: never delete or mutate anything we cannot see
		m.log.Warn("provider listing unavailable, skipping tick", "error", err)
		metrics.IncListFailure()
		return
	}

	inScope := m.filterInScope(services)
	metaIdx := m.loadMetaIndex(ctx)
	probes := m.probeAll(ctx, inScope)

	now := time.Now()
	seen := make(map[string]struct{}, len(inScope))
	var deletes []provider.Service
	for _, svc := range inScope {
		if m.infl.has(svc.ID) {
			// mid-claim: state is owned by the claim coordinator
			seen[svc.ID] = struct{}{}
			continue
		}
		seen[svc.ID] = struct{}{}
		age := now.Sub(svc.CreatedAt)
		st := Derive(svc.DeployStatus, probes[svc.ID], age, m.cfg.StuckTimeout)
		meta, hasMeta := metaIdx[svc.ID]

		if st == StateDead || st == StateSleeping {
			if hasMeta {
				// a user may still be looking at this agent: surface it as
				// crashed and wait for an explicit dismiss
				in := Instance{
					ServiceID:    svc.ID,
					Name:         svc.Name,
					State:        StateCrashed,
					DeployStatus: svc.DeployStatus,
					CreatedAt:    svc.CreatedAt,
				}
				in.enrich(meta)
				m.cache.put(in)
				continue
			}
			delete(seen, svc.ID)
			m.cache.delete(svc.ID)
			if age >= m.cfg.OrphanGrace {
				deletes = append(deletes, svc)
			}
			continue
		}

		in := Instance{
			ID:           m.cfg.instanceIDFromName(svc.Name),
			ServiceID:    svc.ID,
			Name:         svc.Name,
			URL:          m.urlFor(svc.ID),
			State:        st,
			DeployStatus: svc.DeployStatus,
			CreatedAt:    svc.CreatedAt,
		}
		if prev, ok := m.cache.get(svc.ID); ok && prev.CheckpointID != "" {
			in.CheckpointID = prev.CheckpointID
		}
		if hasMeta {
			in.enrich(meta)
		}
		m.cache.put(in)
	}

	m.cache.prune(seen, m.infl.has)

	for _, svc := range deletes {
		if err := m.prov.DeleteService(ctx, svc.ID); err != nil {
			m.log.Warn("failed to delete dead service", "service_id", svc.ID, "name", svc.Name, "error", err)
			continue
		}
		m.log.Info("deleted dead service", "service_id", svc.ID, "name", svc.Name)
		m.record(history.Event{
			Type:       history.EventDestroyed,
			InstanceID: m.cfg.instanceIDFromName(svc.Name),
			ServiceID:  svc.ID,
			Detail:     "reconciler cleanup",
		})
	}

	m.publishCounts()
	m.replenishToTarget(ctx)
}

// filterInScope keeps the managed `<prefix><env>-` services in the configured
// environment, excluding the pool manager itself.
func (m *Manager) filterInScope(services []provider.Service) []provider.Service {
	prefix := m.cfg.namePrefix()
	out := make([]provider.Service, 0, len(services))
	for _, s := range services {
		if !strings.HasPrefix(s.Name, prefix) {
			continue
		}
		if m.cfg.SelfName != "" && s.Name == m.cfg.SelfName {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (m *Manager) loadMetaIndex(ctx context.Context) map[string]store.Agent {
	st, _ := m.storeAndSinks()
	if st == nil {
		return nil
	}
	agents, err := st.List(ctx)
	if err != nil {
		m.log.Warn("metadata listing failed", "error", err)
		return nil
	}
	return store.Index(agents)
}

// probeAll issues /status probes in parallel for in-scope services whose
// deployment succeeded. Failures are isolated per service: an unreachable
// gateway simply yields no probe.
func (m *Manager) probeAll(ctx context.Context, services []provider.Service) map[string]*Probe {
	probes := make(map[string]*Probe, len(services))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, svc := range services {
		if svc.DeployStatus != provider.DeploySuccess || m.infl.has(svc.ID) {
			continue
		}
		svc := svc
		g.Go(func() error {
			url := m.resolveURL(gctx, svc.ID)
			if url == "" {
				return nil
			}
			st, err := m.gw.Probe(gctx, url)
			if err != nil {
				return nil // unreachable: the deriver handles the nil probe
			}
			p := &Probe{Ready: st.Ready}
			if st.Conversation != nil {
				p.ConversationID = st.Conversation.ID
			}
			mu.Lock()
			probes[svc.ID] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return probes
}

// resolveURL returns the public base URL for a service, preferring the cached
// value and falling back to a provider domain lookup.
func (m *Manager) resolveURL(ctx context.Context, serviceID string) string {
	if in, ok := m.cache.get(serviceID); ok && in.URL != "" {
		return in.URL
	}
	domain, err := m.prov.ServiceDomain(ctx, serviceID)
	if err != nil {
		return ""
	}
	url := "https://" + domain
	if in, ok := m.cache.get(serviceID); ok {
		in.URL = url
		m.cache.put(in)
	}
	return url
}

func (m *Manager) urlFor(serviceID string) string {
	if in, ok := m.cache.get(serviceID); ok {
		return in.URL
	}
	return ""
}

// replenishToTarget creates instances until idle+starting reaches MinIdle,
// bounded by MaxTotal and the circuit breaker. Creations are fired without
// awaiting; each inserts its cache entry as soon as the service id is known.
func (m *Manager) replenishToTarget(ctx context.Context) {
	n := m.cache.counts()
	deficit := m.cfg.MinIdle - (n.Idle + n.Starting)
	if deficit <= 0 {
		return
	}
	headroom := m.cfg.MaxTotal - n.Total()
	if deficit > headroom {
		deficit = headroom
	}
	if deficit <= 0 {
		return
	}
	if !m.brk.allow(time.Now()) {
		m.log.Warn("creation suppressed by circuit breaker", "deficit", deficit)
		return
	}
	m.log.Info("replenishing pool", "deficit", deficit, "idle", n.Idle, "starting", n.Starting)
	for i := 0; i < deficit; i++ {
		go func() {
			if _, err := m.CreateInstance(context.Background()); err != nil {
				m.log.Error("replenish create failed", "error", err)
			}
		}()
	}
}

func (m *Manager) publishCounts() {
	n := m.cache.counts()
	metrics.SetPoolState(string(StateStarting), n.Starting)
	metrics.SetPoolState(string(StateIdle), n.Idle)
	metrics.SetPoolState(string(StateClaimed), n.Claimed)
	metrics.SetPoolState(string(StateCrashed), n.Crashed)
	metrics.SetBreakerOpen(m.brk.open(time.Now()))
}

// StartReconciler runs the tick loop until StopReconciler. Ticks never
// overlap: the next fire waits for the current ReconcileOnce to return.
func (m *Manager) StartReconciler() {
	m.mu.Lock()
	if m.tickStop != nil {
		m.mu.Unlock()
		return // already running
	}
	stop := make(chan struct{})
	m.tickStop = stop
	m.mu.Unlock()
	go func() {
		t := time.NewTicker(m.cfg.TickInterval)
		defer t.Stop()
		m.ReconcileOnce(context.Background())
		for {
			select {
			case <-t.C:
				m.ReconcileOnce(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

func (m *Manager) StopReconciler() {
	m.mu.Lock()
	ch := m.tickStop
	m.tickStop = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Shutdown stops the periodic loops. In-flight external calls are abandoned;
// their effects persist on the provider and are reconciled on next start.
func (m *Manager) Shutdown() {
	m.StopReconciler()
	m.StopHeartbeat()
}

// QuiescentClaims reports whether the claim-in-progress set is empty.
func (m *Manager) QuiescentClaims() bool { return m.infl.empty() }

// errInstanceNotFound formats the API-facing missing-instance error.
func errInstanceNotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
