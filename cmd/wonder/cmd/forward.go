package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/della-wonders/wonder/internal/config"
	"github.com/della-wonders/wonder/internal/eventlog"
	"github.com/della-wonders/wonder/internal/exchange"
	"github.com/della-wonders/wonder/internal/relay"
	"github.com/della-wonders/wonder/internal/security"
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Start the forwarder daemon",
	Long: `Start the forwarder on the network-connected side of the relay.

The forwarder scans the shared directory for pending request envelopes,
validates each against the security policy, executes allowed requests
against the real network, and publishes response envelopes for the
isolated side to pick up.

Examples:
  # Start with config file settings
  wonder forward

  # Start with a specific shared directory
  WONDER_RELAY_SHARED_DIR=/mnt/shared wonder forward

  # Start with extra blocked domains
  wonder forward --block evil.example.com --block tracker.example.net`,
	RunE: runForward,
}

var forwardBlockedDomains []string

func init() {
	forwardCmd.Flags().StringArrayVar(&forwardBlockedDomains, "block", nil, "additional blocked domain (repeatable)")
	rootCmd.AddCommand(forwardCmd)
}

func runForward(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Relay.LogLevel)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Signal context for graceful shutdown. stop() restores default signal
	// handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	store := exchange.NewStore(cfg.Relay.SharedDir, logger)
	if err := store.EnsureLayout(); err != nil {
		return fmt.Errorf("failed to prepare shared directory: %w", err)
	}

	rules, err := config.LoadRulesFile(cfg.Security.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules file: %w", err)
	}

	gate, err := security.NewGate(security.Config{
		BlockedDomains:   append(cfg.Security.BlockedDomains, forwardBlockedDomains...),
		ExtraPatterns:    rules.Patterns,
		Rules:            rules.Rules,
		MaxRequestBytes:  cfg.Security.MaxRequestBytes,
		MaxResponseBytes: cfg.Security.MaxResponseBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to build security gate: %w", err)
	}

	events, err := eventlog.New(cfg.Log.Dir, cfg.Log.RetentionDays, logger)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer func() { _ = events.Close() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := relay.NewMetrics(registry)

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	// Write PID file so "wonder stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	transport := relay.NewHTTPTransport(cfg.Relay.CallTimeoutD())
	forwarder := relay.NewForwarder(store, gate, transport, events, metrics, relay.ForwarderOptions{
		ScanInterval:        cfg.Relay.ScanIntervalD(),
		MaintenanceInterval: cfg.Relay.MaintenanceIntervalD(),
		StaleAfter:          cfg.Relay.StaleAfterD(),
	}, logger)

	logger.Info("wonder forwarder starting",
		"version", Version,
		"shared_dir", cfg.Relay.SharedDir,
		"blocked_domains", len(gate.BlockedDomains()),
		"scan_interval", cfg.Relay.ScanInterval,
	)

	err = forwarder.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	if errors.Is(err, context.Canceled) {
		logger.Info("wonder forwarder stopped")
		return nil
	}
	return err
}

// pidFilePath returns the standard location for the forwarder PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".wonder", "forwarder.pid")
	}
	return filepath.Join(os.TempDir(), "wonder-forwarder.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
