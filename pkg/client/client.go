// Package client provides an HTTP client for the agentpool control plane.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Client talks to a running agentpool control plane.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Token    string // bearer token for mutating endpoints
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 30 * time.Second,
	}
}

// DefaultTLSConfig returns default TLS client configuration.
func DefaultTLSConfig() Config {
	return Config{
		BaseURL: "https://localhost:8080",
		Timeout: 30 * time.Second,
		TLS: &TLSClientConfig{
			Enabled: true,
		},
	}
}

// InsecureConfig returns insecure client configuration (skip TLS verification).
func InsecureConfig() Config {
	return Config{
		BaseURL:  "https://localhost:8080",
		Timeout:  30 * time.Second,
		Insecure: true,
	}
}

// New creates an agentpool API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the control plane is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	var health struct {
		OK bool `json:"ok"`
	}
	if err := c.get(ctx, "/health", &health); err != nil {
		c.logger.Debug("control plane unreachable", "error", err)
		return false
	}
	return health.OK
}

// Version returns the server's version and environment labels.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var v VersionInfo
	err := c.get(ctx, "/version", &v)
	return v, err
}

// Counts returns the per-state instance counts.
func (c *Client) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	err := c.get(ctx, "/pool/counts", &counts)
	return counts, err
}

// Agents lists the claimed and crashed instances with their agent bindings.
func (c *Client) Agents(ctx context.Context) ([]InstanceInfo, error) {
	var agents []InstanceInfo
	err := c.get(ctx, "/pool/agents", &agents)
	return agents, err
}

// Status returns the full pool dump: counts plus every tracked instance.
// Requires the bearer token.
func (c *Client) Status(ctx context.Context) (PoolStatus, error) {
	var st PoolStatus
	err := c.get(ctx, "/pool/status", &st)
	return st, err
}

// Claim requests an idle instance for an agent.
func (c *Client) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	c.logger.Debug("claiming instance", "agent", req.AgentName)
	var res ClaimResult
	err := c.post(ctx, "/pool/claim", req, &res)
	return res, err
}

// Replenish asks the pool to launch up to count fresh instances.
func (c *Client) Replenish(ctx context.Context, count int) (int, error) {
	var res struct {
		Launched int `json:"launched"`
	}
	err := c.post(ctx, "/pool/replenish", countRequest{Count: count}, &res)
	return res.Launched, err
}

// Drain destroys up to count idle instances.
func (c *Client) Drain(ctx context.Context, count int) (int, error) {
	var res struct {
		Drained int `json:"drained"`
	}
	err := c.post(ctx, "/pool/drain", countRequest{Count: count}, &res)
	return res.Drained, err
}

// Reconcile triggers one immediate reconciliation pass.
func (c *Client) Reconcile(ctx context.Context) error {
	return c.post(ctx, "/pool/reconcile", nil, nil)
}

// Release returns a claimed instance to the pool. Instances with a golden
// checkpoint are recycled back to idle, the rest are destroyed.
func (c *Client) Release(ctx context.Context, instanceID string) error {
	c.logger.Debug("releasing instance", "instance", instanceID)
	return c.do(ctx, http.MethodDelete, "/pool/instances/"+url.PathEscape(instanceID), nil, nil)
}

// Destroy removes an instance outright, skipping recycle.
func (c *Client) Destroy(ctx context.Context, instanceID string) error {
	c.logger.Debug("destroying instance", "instance", instanceID)
	return c.do(ctx, http.MethodDelete, "/pool/instances/"+url.PathEscape(instanceID)+"/destroy", nil, nil)
}

// DismissCrashed acknowledges a crashed instance and removes it from the pool.
func (c *Client) DismissCrashed(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, "/pool/crashed/"+url.PathEscape(instanceID), nil, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// do performs an HTTP request with common auth and error handling. A non-nil
// out receives the decoded JSON body on success.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// setupClientTLS configures TLS settings for the HTTP client.
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads a CA certificate from file and adds it to the TLS config.
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// handleErrorResponse maps non-2xx responses onto errors.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if errorResp.Error == "" {
		errorResp.Error = errorResp.Message
	}

	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
