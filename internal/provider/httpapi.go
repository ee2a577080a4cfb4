package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPClient talks to the provider's REST API. It implements Client.
type HTTPClient struct {
	baseURL       string
	token         string
	environmentID string
	sourceRepo    string
	http          *http.Client

	execRetries uint64
	checkpoints bool
}

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL       string
	Token         string
	EnvironmentID string
	SourceRepo    string // repo/image the provider builds services from
	Timeout       time.Duration
	ExecRetries   int  // bounded retries for exec/start on transient errors
	Checkpoints   bool // provider supports filesystem checkpoints
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ExecRetries <= 0 {
		cfg.ExecRetries = 3
	}
	return &HTTPClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		environmentID: cfg.EnvironmentID,
		sourceRepo:    cfg.SourceRepo,
		http:          &http.Client{Timeout: cfg.Timeout},
		execRetries:   uint64(cfg.ExecRetries),
		checkpoints:   cfg.Checkpoints,
	}
}

func (c *HTTPClient) SupportsCheckpoints() bool { return c.checkpoints }

func (c *HTTPClient) CreateService(ctx context.Context, name string, env map[string]string) (string, error) {
	body := map[string]any{
		"name":          name,
		"environmentId": c.environmentID,
		"source":        map[string]string{"repo": c.sourceRepo},
		"variables":     env,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/services", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("provider: create service %q returned empty id", name)
	}
	return out.ID, nil
}

func (c *HTTPClient) CreateDomain(ctx context.Context, serviceID string) (string, error) {
	var out struct {
		Domain string `json:"domain"`
	}
	p := "/v1/services/" + url.PathEscape(serviceID) + "/domains"
	if err := c.do(ctx, http.MethodPost, p, map[string]any{}, &out); err != nil {
		return "", err
	}
	if out.Domain == "" {
		return "", fmt.Errorf("provider: domain create for %s returned empty domain", serviceID)
	}
	return out.Domain, nil
}

func (c *HTTPClient) ServiceDomain(ctx context.Context, serviceID string) (string, error) {
	var out struct {
		Domains []struct {
			Domain string `json:"domain"`
		} `json:"domains"`
	}
	p := "/v1/services/" + url.PathEscape(serviceID) + "/domains"
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return "", err
	}
	if len(out.Domains) == 0 {
		return "", ErrNotFound
	}
	return out.Domains[0].Domain, nil
}

func (c *HTTPClient) ListServices(ctx context.Context) ([]Service, error) {
	var out struct {
		Services []struct {
			ID               string    `json:"id"`
			Name             string    `json:"name"`
			EnvironmentID    string    `json:"environmentId"`
			CreatedAt        time.Time `json:"createdAt"`
			LatestDeployment *struct {
				Status string `json:"status"`
			} `json:"latestDeployment"`
		} `json:"services"`
	}
	p := "/v1/environments/" + url.PathEscape(c.environmentID) + "/services"
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	svcs := make([]Service, 0, len(out.Services))
	for _, s := range out.Services {
		svc := Service{
			ID:            s.ID,
			Name:          s.Name,
			EnvironmentID: s.EnvironmentID,
			CreatedAt:     s.CreatedAt,
		}
		if s.LatestDeployment != nil {
			svc.DeployStatus = DeployStatus(s.LatestDeployment.Status)
		}
		svcs = append(svcs, svc)
	}
	return svcs, nil
}

func (c *HTTPClient) DeleteService(ctx context.Context, serviceID string) error {
	p := "/v1/services/" + url.PathEscape(serviceID) + "?purgeVolumes=true"
	err := c.do(ctx, http.MethodDelete, p, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *HTTPClient) RenameService(ctx context.Context, serviceID, name string) error {
	p := "/v1/services/" + url.PathEscape(serviceID)
	return c.do(ctx, http.MethodPatch, p, map[string]string{"name": name}, nil)
}

func (c *HTTPClient) Exec(ctx context.Context, serviceID, script string) (ExecResult, error) {
	var out ExecResult
	p := "/v1/services/" + url.PathEscape(serviceID) + "/exec"
	op := func() error {
		out = ExecResult{}
		err := c.do(ctx, http.MethodPost, p, map[string]string{"command": script}, &out)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, c.retryPolicy(ctx))
	return out, err
}

func (c *HTTPClient) StartDetached(ctx context.Context, serviceID, name, command string) error {
	p := "/v1/services/" + url.PathEscape(serviceID) + "/processes"
	body := map[string]string{"name": name, "command": command, "restart": "always"}
	op := func() error {
		err := c.do(ctx, http.MethodPost, p, body, nil)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, c.retryPolicy(ctx))
}

// CreateCheckpoint streams NDJSON progress events; the terminal "complete"
// event carries the checkpoint id. Missing terminal event is an error.
func (c *HTTPClient) CreateCheckpoint(ctx context.Context, serviceID, label string) (string, error) {
	p := c.baseURL + "/v1/services/" + url.PathEscape(serviceID) + "/checkpoints"
	payload, err := json.Marshal(map[string]string{"label": label})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.statusErr(resp); err != nil {
		return "", err
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt struct {
			Type         string `json:"type"`
			CheckpointID string `json:"checkpointId"`
			Message      string `json:"message"`
		}
		if err := json.Unmarshal(line, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "complete":
			if evt.CheckpointID == "" {
				return "", fmt.Errorf("provider: checkpoint complete event without id")
			}
			return evt.CheckpointID, nil
		case "error":
			return "", fmt.Errorf("provider: checkpoint failed: %s", evt.Message)
		}
	}
	if err := sc.Err(); err != nil {
		return "", Transient(err)
	}
	return "", fmt.Errorf("provider: checkpoint stream ended without terminal event")
}

func (c *HTTPClient) RestoreCheckpoint(ctx context.Context, serviceID, checkpointID string) error {
	p := "/v1/services/" + url.PathEscape(serviceID) + "/checkpoints/" + url.PathEscape(checkpointID) + "/restore"
	return c.do(ctx, http.MethodPost, p, map[string]any{}, nil)
}

func (c *HTTPClient) CancelDeployments(ctx context.Context, serviceID string) error {
	var out struct {
		Deployments []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"deployments"`
	}
	p := "/v1/services/" + url.PathEscape(serviceID) + "/deployments?active=true"
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return err
	}
	for _, d := range out.Deployments {
		if !DeployStatus(d.Status).InProgress() {
			continue
		}
		cp := "/v1/deployments/" + url.PathEscape(d.ID) + "/cancel"
		if err := c.do(ctx, http.MethodPost, cp, map[string]any{}, nil); err != nil && !IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (c *HTTPClient) Deploy(ctx context.Context, serviceID, ref string) error {
	p := "/v1/services/" + url.PathEscape(serviceID) + "/deployments"
	return c.do(ctx, http.MethodPost, p, map[string]string{"ref": ref}, nil)
}

// --- transport helpers ---

func (c *HTTPClient) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, c.execRetries), ctx)
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.statusErr(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) statusErr(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Transient(fmt.Errorf("status %d", resp.StatusCode))
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider: %s %s: status %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}
