package agentpool

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/convoshq/agentpool/internal/config"
	"github.com/convoshq/agentpool/internal/gateway"
	"github.com/convoshq/agentpool/internal/history"
	historyfactory "github.com/convoshq/agentpool/internal/history/factory"
	"github.com/convoshq/agentpool/internal/logger"
	"github.com/convoshq/agentpool/internal/metrics"
	"github.com/convoshq/agentpool/internal/pool"
	"github.com/convoshq/agentpool/internal/provider"
	iapi "github.com/convoshq/agentpool/internal/server"
	storefactory "github.com/convoshq/agentpool/internal/store/factory"
	tlsconfig "github.com/convoshq/agentpool/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Instance = pool.Instance

type Counts = pool.Counts

type ClaimRequest = pool.ClaimRequest

type ClaimResult = pool.ClaimResult

type Config = cfg.FileConfig

type HistorySink = history.Sink

// Pool errors, re-exported so embedders can errors.Is against them.
var (
	ErrNoIdle     = pool.ErrNoIdle
	ErrNotFound   = pool.ErrNotFound
	ErrConflict   = pool.ErrConflict
	ErrAtCapacity = pool.ErrAtCapacity
)

// Manager is a thin facade over internal/pool.Manager.
// It provides a stable public API for embedding.

type Manager struct{ inner *pool.Manager }

// New wires a complete manager from a loaded config: provider client,
// gateway prober, metadata store and history sinks.
func New(c Config) (*Manager, error) {
	prov := provider.NewHTTPClient(c.ProviderHTTPConfig())
	gw := gateway.New(c.Gateway.ProbeTimeout)
	mgr := pool.NewManager(c.PoolManagerConfig(), prov, gw, logger.Setup(c.LoggerCfg()))

	st, err := storefactory.New(c.StoreCfg())
	if err != nil {
		return nil, err
	}
	if err := mgr.SetStore(st); err != nil {
		return nil, err
	}

	if len(c.History.Sinks) > 0 {
		sinks := make([]history.Sink, 0, len(c.History.Sinks))
		for _, dsn := range c.History.Sinks {
			sink, err := historyfactory.NewSinkFromDSN(dsn)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink)
		}
		mgr.SetHistorySinks(sinks...)
	}
	return &Manager{inner: mgr}, nil
}

func (m *Manager) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	return m.inner.Claim(ctx, req)
}
func (m *Manager) Counts() Counts                                { return m.inner.Counts() }
func (m *Manager) Snapshot() []Instance                          { return m.inner.Snapshot() }
func (m *Manager) Agents() []Instance                            { return m.inner.Agents() }
func (m *Manager) Recycle(ctx context.Context, id string) error  { return m.inner.Recycle(ctx, id) }
func (m *Manager) Destroy(ctx context.Context, id string) error  { return m.inner.Destroy(ctx, id) }
func (m *Manager) Replenish(ctx context.Context, count int) int  { return m.inner.Replenish(ctx, count) }
func (m *Manager) Drain(ctx context.Context, count int) int      { return m.inner.Drain(ctx, count) }
func (m *Manager) ReconcileOnce(ctx context.Context)             { m.inner.ReconcileOnce(ctx) }
func (m *Manager) DismissCrashed(ctx context.Context, id string) error {
	return m.inner.DismissCrashed(ctx, id)
}

// Run starts the background reconcile and heartbeat loops.
func (m *Manager) Run() {
	m.inner.StartReconciler()
	m.inner.StartHeartbeat()
}

// Shutdown stops the background reconcile and heartbeat loops. It does not
// wait for in-flight claims or other calls to finish.
func (m *Manager) Shutdown() { m.inner.Shutdown() }

// ServerOptions mirrors the control-plane HTTP options.
type ServerOptions = iapi.Options

// Handler returns the control-plane API as an http.Handler for mounting into
// an existing server or mux.
func Handler(m *Manager, opts ServerOptions) http.Handler {
	return iapi.NewRouter(m.inner, opts).Handler()
}

// LoadConfig reads a TOML config file and applies AGENTPOOL_ environment
// overrides.
func LoadConfig(path string) (Config, error) {
	return cfg.Load(path)
}

// NewHTTPServer starts the control-plane server described by the config. The
// returned server is already listening.
func NewHTTPServer(c Config, m *Manager) (*http.Server, error) {
	tc, err := tlsconfig.Setup(c.TLSCfg())
	if err != nil {
		return nil, err
	}
	opts := ServerOptions{
		BearerToken: c.BearerToken,
		Version:     c.Version,
		Environment: c.Environment,
	}
	return iapi.NewServer(c.Listen, m.inner, opts, tc), nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// SelfMonitor samples the control plane's own CPU, memory, thread and
// descriptor usage into the default registry.
type SelfMonitor = metrics.SelfCollector

// StartSelfMonitor registers the self metrics with the default registry and
// starts the sampling loop. Stop the returned monitor during shutdown.
func StartSelfMonitor(ctx context.Context) (*SelfMonitor, error) {
	sm, err := metrics.NewSelfCollector(metrics.SelfCollectorConfig{Enabled: true})
	if err != nil {
		return nil, err
	}
	if err := sm.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}
	sm.Start(ctx)
	return sm, nil
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
