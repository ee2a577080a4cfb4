package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/convoshq/agentpool/internal/logger"
	"github.com/convoshq/agentpool/internal/pool"
	"github.com/convoshq/agentpool/internal/provider"
	"github.com/convoshq/agentpool/internal/store"
	tlsconfig "github.com/convoshq/agentpool/internal/tls"
)

// FileConfig represents the top-level TOML structure. Every key can be
// overridden with an AGENTPOOL_-prefixed environment variable, dots replaced
// by underscores (AGENTPOOL_PROVIDER_TOKEN, AGENTPOOL_POOL_MIN_IDLE, ...).
type FileConfig struct {
	Listen      string `toml:"listen" mapstructure:"listen"`
	BearerToken string `toml:"bearer_token" mapstructure:"bearer_token"`
	Environment string `toml:"environment" mapstructure:"environment"`
	Version     string `toml:"version" mapstructure:"version"`

	Provider ProviderConfig `toml:"provider" mapstructure:"provider"`
	Pool     PoolConfig     `toml:"pool" mapstructure:"pool"`
	Gateway  GatewayConfig  `toml:"gateway" mapstructure:"gateway"`
	Store    StoreConfig    `toml:"store" mapstructure:"store"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	TLS      TLSConfig      `toml:"tls" mapstructure:"tls"`
}

type ProviderConfig struct {
	BaseURL       string        `toml:"base_url" mapstructure:"base_url"`
	Token         string        `toml:"token" mapstructure:"token"`
	EnvironmentID string        `toml:"environment_id" mapstructure:"environment_id"`
	SourceRepo    string        `toml:"source_repo" mapstructure:"source_repo"`
	Timeout       time.Duration `toml:"timeout" mapstructure:"timeout"`
	ExecRetries   int           `toml:"exec_retries" mapstructure:"exec_retries"`
	Checkpoints   bool          `toml:"checkpoints" mapstructure:"checkpoints"`
}

type PoolConfig struct {
	Prefix            string        `toml:"prefix" mapstructure:"prefix"`
	SelfName          string        `toml:"self_name" mapstructure:"self_name"`
	DeployRef         string        `toml:"deploy_ref" mapstructure:"deploy_ref"`
	MinIdle           int           `toml:"min_idle" mapstructure:"min_idle"`
	MaxTotal          int           `toml:"max_total" mapstructure:"max_total"`
	TickInterval      time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	StuckTimeout      time.Duration `toml:"stuck_timeout" mapstructure:"stuck_timeout"`
	OrphanGrace       time.Duration `toml:"orphan_grace" mapstructure:"orphan_grace"`
	CreateTimeout     time.Duration `toml:"create_timeout" mapstructure:"create_timeout"`
	RecycleTimeout    time.Duration `toml:"recycle_timeout" mapstructure:"recycle_timeout"`

	BreakerThreshold int           `toml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `toml:"breaker_cooldown" mapstructure:"breaker_cooldown"`

	HeartbeatFailThreshold int `toml:"heartbeat_fail_threshold" mapstructure:"heartbeat_fail_threshold"`
	HeartbeatRecoveryCap   int `toml:"heartbeat_recovery_cap" mapstructure:"heartbeat_recovery_cap"`
}

type GatewayConfig struct {
	Port         int           `toml:"port" mapstructure:"port"`
	Token        string        `toml:"token" mapstructure:"token"`
	ProfileName  string        `toml:"profile_name" mapstructure:"profile_name"`
	ModelAPIKey  string        `toml:"model_api_key" mapstructure:"model_api_key"`
	ProbeTimeout time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
}

type StoreConfig struct {
	Type string `toml:"type" mapstructure:"type"` // "sqlite" or "postgres"
	Path string `toml:"path" mapstructure:"path"`
	DSN  string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"` // DSNs, see history/factory
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	NoColor    bool   `toml:"no_color" mapstructure:"no_color"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `toml:"key_file" mapstructure:"key_file"`
	AutoCert bool   `toml:"auto_cert" mapstructure:"auto_cert"`
}

// Load reads the TOML file (optional; empty path uses env and defaults only)
// and applies AGENTPOOL_ environment overrides.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("AGENTPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	// Unmarshal only sees env values for keys viper already knows; bind the
	// keys that have no default so their AGENTPOOL_ variables apply too.
	for _, k := range []string{
		"bearer_token", "environment", "version",
		"provider.base_url", "provider.token", "provider.environment_id", "provider.source_repo",
		"provider.timeout", "provider.exec_retries", "provider.checkpoints",
		"pool.prefix", "pool.self_name", "pool.deploy_ref", "pool.orphan_grace",
		"gateway.token", "gateway.profile_name", "gateway.model_api_key",
		"store.dsn", "history.sinks",
		"log.file", "log.max_size_mb", "log.max_backups", "log.max_age_days", "log.compress", "log.no_color",
		"tls.enabled", "tls.cert_file", "tls.key_file", "tls.auto_cert",
	} {
		_ = v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return FileConfig{}, fmt.Errorf("read config: %w", err)
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := fc.validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("pool.min_idle", 1)
	v.SetDefault("pool.max_total", 5)
	v.SetDefault("pool.tick_interval", "30s")
	v.SetDefault("pool.heartbeat_interval", "20s")
	v.SetDefault("pool.stuck_timeout", "15m")
	v.SetDefault("pool.create_timeout", "2m")
	v.SetDefault("pool.recycle_timeout", "60s")
	v.SetDefault("pool.breaker_threshold", 3)
	v.SetDefault("pool.breaker_cooldown", "5m")
	v.SetDefault("pool.heartbeat_fail_threshold", 3)
	v.SetDefault("pool.heartbeat_recovery_cap", 3)
	v.SetDefault("gateway.port", 8200)
	v.SetDefault("gateway.probe_timeout", "5s")
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", "agentpool.db")
	v.SetDefault("log.level", "info")
}

func (fc FileConfig) validate() error {
	if fc.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if fc.Pool.MinIdle < 0 {
		return fmt.Errorf("pool.min_idle must not be negative")
	}
	if fc.Pool.MaxTotal <= 0 {
		return fmt.Errorf("pool.max_total must be positive")
	}
	if fc.Pool.MinIdle > fc.Pool.MaxTotal {
		return fmt.Errorf("pool.min_idle (%d) exceeds pool.max_total (%d)", fc.Pool.MinIdle, fc.Pool.MaxTotal)
	}
	if fc.TLS.Enabled && !fc.TLS.AutoCert && (fc.TLS.CertFile == "" || fc.TLS.KeyFile == "") {
		return fmt.Errorf("tls.enabled requires cert_file and key_file or auto_cert")
	}
	return nil
}

// PoolManagerConfig maps the file config onto the pool control-loop config.
func (fc FileConfig) PoolManagerConfig() pool.Config {
	return pool.Config{
		Prefix:                 fc.Pool.Prefix,
		Environment:            fc.Environment,
		SelfName:               fc.Pool.SelfName,
		DeployRef:              fc.Pool.DeployRef,
		MinIdle:                fc.Pool.MinIdle,
		MaxTotal:               fc.Pool.MaxTotal,
		TickInterval:           fc.Pool.TickInterval,
		HeartbeatInterval:      fc.Pool.HeartbeatInterval,
		StuckTimeout:           fc.Pool.StuckTimeout,
		OrphanGrace:            fc.Pool.OrphanGrace,
		CreateTimeout:          fc.Pool.CreateTimeout,
		RecycleTimeout:         fc.Pool.RecycleTimeout,
		BreakerThreshold:       fc.Pool.BreakerThreshold,
		BreakerCooldown:        fc.Pool.BreakerCooldown,
		HeartbeatFailThreshold: fc.Pool.HeartbeatFailThreshold,
		HeartbeatRecoveryCap:   fc.Pool.HeartbeatRecoveryCap,
		ModelAPIKey:            fc.Gateway.ModelAPIKey,
		GatewayPort:            fc.Gateway.Port,
		GatewayToken:           fc.Gateway.Token,
		ProfileName:            fc.Gateway.ProfileName,
	}
}

// ProviderHTTPConfig maps the file config onto the provider HTTP client
// config.
func (fc FileConfig) ProviderHTTPConfig() provider.HTTPConfig {
	return provider.HTTPConfig{
		BaseURL:       fc.Provider.BaseURL,
		Token:         fc.Provider.Token,
		EnvironmentID: fc.Provider.EnvironmentID,
		SourceRepo:    fc.Provider.SourceRepo,
		Timeout:       fc.Provider.Timeout,
		ExecRetries:   fc.Provider.ExecRetries,
		Checkpoints:   fc.Provider.Checkpoints,
	}
}

// StoreCfg maps the file config onto the metadata store config.
func (fc FileConfig) StoreCfg() store.Config {
	return store.Config{
		Type: fc.Store.Type,
		Path: fc.Store.Path,
		DSN:  fc.Store.DSN,
	}
}

// LoggerCfg maps the file config onto the logger config.
func (fc FileConfig) LoggerCfg() logger.Config {
	return logger.Config{
		Level:      fc.Log.Level,
		File:       fc.Log.File,
		MaxSizeMB:  fc.Log.MaxSizeMB,
		MaxBackups: fc.Log.MaxBackups,
		MaxAgeDays: fc.Log.MaxAgeDays,
		Compress:   fc.Log.Compress,
		NoColor:    fc.Log.NoColor,
	}
}

// TLSCfg maps the file config onto the server TLS config.
func (fc FileConfig) TLSCfg() tlsconfig.ServerConfig {
	return tlsconfig.ServerConfig{
		Enabled:  fc.TLS.Enabled,
		CertFile: fc.TLS.CertFile,
		KeyFile:  fc.TLS.KeyFile,
		AutoCert: fc.TLS.AutoCert,
	}
}
