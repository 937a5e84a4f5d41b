// Package main implements the entry point for the curapacs federator. The
// federator pairs a local archive node with a remote peer: it answers
// federated queries over both nodes, replicates new instances to the peer and
// relays worklist announcements between instances over a websocket bridge.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/elly2178/lc2-curapacs/archive"
	"github.com/elly2178/lc2-curapacs/bridge"
	"github.com/elly2178/lc2-curapacs/bus"
	"github.com/elly2178/lc2-curapacs/component"
	"github.com/elly2178/lc2-curapacs/config"
	"github.com/elly2178/lc2-curapacs/federation"
	"github.com/elly2178/lc2-curapacs/gateway"
	"github.com/elly2178/lc2-curapacs/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "curapacs-federator"
)

// findLimit caps the hit count of one find request against an archive node
const findLimit = 25

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
		slog.Error("federator failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.LogLevel = cliCfg.LogLevel
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := setupLogger(level, cliCfg.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("starting curapacs federator",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"local_archive", cfg.LocalArchive.URL,
		"peer_archive", cfg.PeerArchive.URL)

	components, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}

	return runWithSignalHandling(components, cliCfg.ShutdownTimeout)
}

// buildComponents wires the full component graph: archive clients, the
// reconciliation engine, the bus, the bridge and the gateway. The returned
// slice is in start order; shutdown walks it in reverse.
func buildComponents(cfg config.Config, logger *slog.Logger) ([]component.Lifecycle, error) {
	registry := metric.NewRegistry()

	localClient := archive.NewClient(cfg.LocalArchive.URL,
		archive.WithCredentials(cfg.LocalArchive.Username, cfg.LocalArchive.Password),
		archive.WithTimeout(cfg.HTTPTimeout),
		archive.WithFindLimit(findLimit),
		archive.WithLogger(logger))

	peerClient := archive.NewClient(cfg.PeerArchive.URL,
		archive.WithCredentials(cfg.PeerArchive.Username, cfg.PeerArchive.Password),
		archive.WithTimeout(cfg.HTTPTimeout),
		archive.WithFindLimit(findLimit),
		archive.WithLogger(logger))

	engine := federation.NewEngine(localClient, peerClient,
		federation.WithLogger(logger),
		federation.WithMetrics(registry))
	forwarder := federation.NewForwarder(localClient, cfg.PeerArchive.Name, logger)

	messageBus := bus.New("bus",
		bus.WithLogger(logger),
		bus.WithMetrics(registry))

	wsBridge, err := bridge.New("bridge", cfg.Bridge, messageBus,
		bridge.WithLogger(logger),
		bridge.WithMetrics(registry))
	if err != nil {
		return nil, fmt.Errorf("create bridge: %w", err)
	}
	worklistStore := bridge.NewArchiveWorklistStore(localClient, peerClient)
	wsBridge.Handle(bus.TypeNewWorklist, bridge.NewWorklistHandler(worklistStore, logger))

	notifier := bridge.NewNotifier(cfg.Bridge.SocketPath)

	httpGateway, err := gateway.New("gateway", cfg.Gateway, engine,
		gateway.WithLogger(logger),
		gateway.WithChangeHandling(forwarder, notifier),
		gateway.WithMetricRegistry(registry),
		gateway.WithHealthChecks(messageBus, wsBridge))
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	return []component.Lifecycle{messageBus, wsBridge, httpGateway}, nil
}

// runWithSignalHandling starts the components and blocks until SIGINT or
// SIGTERM, then stops them in reverse start order.
func runWithSignalHandling(components []component.Lifecycle, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	for _, c := range components {
		if err := c.Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", c.Name(), err)
		}
	}

	started := make([]component.Lifecycle, 0, len(components))
	for _, c := range components {
		if err := c.Start(signalCtx); err != nil {
			stopAll(started, shutdownTimeout)
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		started = append(started, c)
		slog.Info("component started", "component", c.Name())
	}

	slog.Info("federator running")
	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	stopAll(started, shutdownTimeout)
	slog.Info("federator shutdown complete")
	return nil
}

// stopAll stops components in reverse start order, logging but not aborting
// on individual failures.
func stopAll(started []component.Lifecycle, timeout time.Duration) {
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if err := c.Stop(timeout); err != nil {
			slog.Error("component stop failed", "component", c.Name(), "error", err)
			continue
		}
		slog.Info("component stopped", "component", c.Name())
	}
}
