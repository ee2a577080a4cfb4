package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/convoshq/agentpool/pkg/client"
)

type command struct{}

// apiClient builds a control-plane client from flags, filling defaults the
// same way the daemon does.
func apiClient(f APIFlags) *client.Client {
	cfg := client.Config{
		BaseURL:  f.APIUrl,
		Token:    f.Token,
		Timeout:  f.APITimeout,
		Insecure: f.Insecure,
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8080"
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("AGENTPOOL_BEARER_TOKEN")
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	return client.New(cfg)
}

func reachable(ctx context.Context, c *client.Client, url string) error {
	if !c.IsReachable(ctx) {
		return fmt.Errorf("control plane not reachable at %s - start it first with 'agentpool serve'", url)
	}
	return nil
}

func (command) Status(f StatusFlags) error {
	ctx := context.Background()
	c := apiClient(f.API)
	if f.Full {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		printJSON(st)
		return nil
	}
	counts, err := c.Counts(ctx)
	if err != nil {
		return err
	}
	printJSON(counts)
	return nil
}

func (command) Agents(f APIFlags) error {
	agents, err := apiClient(f).Agents(context.Background())
	if err != nil {
		return err
	}
	printJSON(agents)
	return nil
}

func (command) Claim(f ClaimFlags) error {
	instructions := f.Instructions
	if f.InstructionsFile != "" {
		data, err := os.ReadFile(f.InstructionsFile)
		if err != nil {
			return fmt.Errorf("read instructions file: %w", err)
		}
		instructions = string(data)
	}

	vars, err := parseVars(f.Vars)
	if err != nil {
		return err
	}

	res, err := apiClient(f.API).Claim(context.Background(), client.ClaimRequest{
		AgentName:    f.AgentName,
		Instructions: instructions,
		JoinURL:      f.JoinURL,
		Vars:         vars,
	})
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

func (command) Release(f InstanceFlags) error {
	return apiClient(f.API).Release(context.Background(), f.InstanceID)
}

func (command) Destroy(f InstanceFlags) error {
	return apiClient(f.API).Destroy(context.Background(), f.InstanceID)
}

func (command) Dismiss(f InstanceFlags) error {
	return apiClient(f.API).DismissCrashed(context.Background(), f.InstanceID)
}

func (command) Replenish(f CountFlags) error {
	launched, err := apiClient(f.API).Replenish(context.Background(), f.Count)
	if err != nil {
		return err
	}
	fmt.Printf("launched %d instance(s)\n", launched)
	return nil
}

func (command) Drain(f CountFlags) error {
	drained, err := apiClient(f.API).Drain(context.Background(), f.Count)
	if err != nil {
		return err
	}
	fmt.Printf("drained %d instance(s)\n", drained)
	return nil
}

func (command) Reconcile(f APIFlags) error {
	ctx := context.Background()
	c := apiClient(f)
	if err := reachable(ctx, c, f.APIUrl); err != nil {
		return err
	}
	return c.Reconcile(ctx)
}

func (command) Version(f APIFlags) error {
	v, err := apiClient(f).Version(context.Background())
	if err != nil {
		return err
	}
	printJSON(v)
	return nil
}

// parseVars turns repeated --var key=value flags into a map.
func parseVars(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", kv)
		}
		vars[k] = v
	}
	return vars, nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
