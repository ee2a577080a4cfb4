package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/convoshq/agentpool"
)

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.toml or provide as argument")
	}

	cfg, err := agentpool.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if err := agentpool.RegisterMetricsDefault(); err != nil {
		fmt.Printf("Warning: failed to register metrics: %v\n", err)
	}

	monitor, err := agentpool.StartSelfMonitor(context.Background())
	if err != nil {
		fmt.Printf("Warning: self monitoring unavailable: %v\n", err)
	}

	mgr, err := agentpool.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build pool manager: %w", err)
	}
	mgr.Run()

	server, err := agentpool.NewHTTPServer(cfg, mgr)
	if err != nil {
		mgr.Shutdown()
		return fmt.Errorf("failed to create server: %w", err)
	}

	protocol := "HTTP"
	if cfg.TLS.Enabled {
		protocol = "HTTPS"
	}
	fmt.Printf("Starting agentpool %s server on %s\n", protocol, cfg.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	if monitor != nil {
		monitor.Stop()
	}
	mgr.Shutdown()
	return server.Close()
}
