// Package main implements the echomux server: an echo service where every
// client gets its own session with a dedicated channel pair over a
// multiplexed transport.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/c360/echomux/config"
	"github.com/c360/echomux/executor"
	"github.com/c360/echomux/gateway"
	"github.com/c360/echomux/health"
	"github.com/c360/echomux/metric"
	"github.com/c360/echomux/server"
	"github.com/c360/echomux/transport"
)

const (
	Version = "0.1.0"
	appName = "echomux"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("starting echomux",
		"version", Version,
		"config_path", cliCfg.ConfigPath,
		"endpoint_prefix", cfg.Endpoint.Prefix,
		"endpoint_address", cfg.Endpoint.Address)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewRegistry()

	nc, err := connectNATS(cfg, registry)
	if err != nil {
		return err
	}
	defer nc.Close()

	prefix, addr, err := cfg.LocalEndpoint()
	if err != nil {
		return err
	}
	local := transport.Endpoint{Prefix: prefix, Addr: addr}

	tr, err := transport.NewNATS(nc,
		fmt.Sprintf("%s:%d", addr, cfg.Server.PortBase),
		transport.WithLogger(logger),
		transport.WithMetrics(registry),
	)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	exec := executor.New("server", cfg.Server.QueueSize,
		executor.WithMetrics(registry))
	defer exec.Close()

	srv, err := server.New(server.Config{
		Transport:     tr,
		Executor:      exec,
		Local:         local,
		SessionBase:   cfg.Server.SessionBase,
		SessionCount:  cfg.Server.SessionCount,
		PortBase:      cfg.Server.PortBase,
		PortCount:     cfg.Server.PortCount,
		OwnerQuota:    cfg.Server.OwnerQuota,
		PollInterval:  cfg.Server.PollInterval,
		HandshakeRate: cfg.Server.HandshakeRate,
		Logger:        logger,
		Registry:      registry,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })

	if cfg.Gateway.Enabled {
		gw, err := gateway.New(gateway.Config{
			Listen:   cfg.Gateway.Listen,
			Pool:     srv.Pool(),
			Events:   srv.Events(),
			Registry: registry,
			Logger:   logger,
			Checks: []health.Check{
				func() health.Status {
					if nc.IsConnected() {
						return health.NewHealthy("transport", "nats connected")
					}
					return health.NewUnhealthy("transport", "nats disconnected")
				},
			},
		})
		if err != nil {
			return fmt.Errorf("create gateway: %w", err)
		}
		g.Go(func() error { return gw.Run(ctx) })
	}

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Cancellation during shutdown is the normal exit path.
		err = nil
	}
	slog.Info("echomux stopped")
	return err
}

func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// connectNATS establishes the transport connection and keeps the connected
// gauge in sync across reconnects.
func connectNATS(cfg *config.Config, registry *metric.Registry) (*nats.Conn, error) {
	opts := cfg.NATSOptions()
	opts = append(opts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			registry.Core.TransportConnected.Set(0)
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			registry.Core.TransportConnected.Set(1)
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)

	nc, err := nats.Connect(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	registry.Core.TransportConnected.Set(1)
	slog.Info("nats connected", "url", nc.ConnectedUrl())
	return nc, nil
}
