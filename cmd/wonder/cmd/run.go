package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/della-wonders/wonder/internal/capture"
	"github.com/della-wonders/wonder/internal/config"
	"github.com/della-wonders/wonder/internal/exchange"
	"github.com/della-wonders/wonder/internal/relay"
)

var runCmd = &cobra.Command{
	Use:   "run [-- command [args...]]",
	Short: "Run a command behind the capture proxy",
	Long: `Run starts the capture proxy on the isolated side of the relay and,
when a command is given, spawns it with HTTP_PROXY/HTTPS_PROXY pointing at
the proxy. All of the child's HTTP traffic is serialized into the shared
directory and answered by the forwarder on the connected side.

Without a command, the proxy runs in the foreground until interrupted.

Note: HTTPS destinations are not intercepted; the proxy refuses CONNECT.

Examples:
  # Run a Python agent through the relay
  wonder run -- python agent.py

  # Run the capture proxy standalone
  wonder run

  # Run with a specific shared directory
  WONDER_RELAY_SHARED_DIR=/mnt/shared wonder run -- curl http://example.com`,
	RunE: runRun,
	Args: cobra.ArbitraryArgs,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runRun is the entry point; it calls runInternal (where defers run on
// return) and then propagates the child's exit code via os.Exit if needed.
func runRun(cmd *cobra.Command, args []string) error {
	exitCode, err := runInternal(args)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func runInternal(args []string) (exitCode int, retErr error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return 0, fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Relay.LogLevel)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	store := exchange.NewStore(cfg.Relay.SharedDir, logger)
	if err := store.EnsureLayout(); err != nil {
		return 0, fmt.Errorf("failed to prepare shared directory: %w", err)
	}

	interceptor := relay.NewInterceptor(store, relay.InterceptorOptions{
		PollInterval:    cfg.Relay.PollIntervalD(),
		WaitTimeout:     cfg.Relay.ResponseTimeoutD(),
		MaxResponseSize: cfg.Security.MaxResponseBytes,
	}, logger)

	proxy := capture.NewProxy(cfg.Proxy.Port, interceptor, logger)

	proxyErr := make(chan error, 1)
	go func() {
		proxyErr <- proxy.ListenAndServe()
	}()

	logger.Info("wonder proxy starting",
		"version", Version,
		"shared_dir", cfg.Relay.SharedDir,
		"proxy_addr", proxy.Addr(),
	)

	shutdownProxy := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := proxy.Shutdown(ctx); err != nil {
			logger.Warn("proxy shutdown failed", "error", err)
		}
	}

	if len(args) == 0 {
		// Standalone mode: serve until interrupted.
		ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
		defer stop()
		select {
		case err := <-proxyErr:
			return 0, err
		case <-ctx.Done():
			shutdownProxy()
			logger.Info("wonder proxy stopped")
			return 0, nil
		}
	}

	defer shutdownProxy()

	// Child mode: spawn the command with proxy environment and propagate
	// its exit code.
	proxyURL := "http://" + proxy.Addr()
	childEnv := append(os.Environ(),
		"HTTP_PROXY="+proxyURL,
		"http_proxy="+proxyURL,
		"HTTPS_PROXY="+proxyURL,
		"https_proxy="+proxyURL,
	)

	childCmd := exec.Command(args[0], args[1:]...)
	childCmd.Env = childEnv
	childCmd.Stdin = os.Stdin
	childCmd.Stdout = os.Stdout
	childCmd.Stderr = os.Stderr

	logger.Info("starting child process",
		"command", args[0],
		"args", strings.Join(args[1:], " "),
		"proxy", proxyURL,
	)

	// Ignore SIGINT/SIGTERM in the parent; the child gets them directly
	// from the terminal. We wait for the child to exit, then run defers.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, gracefulSignals()...)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
		}
	}()

	if err := childCmd.Start(); err != nil {
		logger.Error("failed to start child process", "error", err)
		return 1, nil
	}

	waitErr := childCmd.Wait()
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		logger.Error("child process failed", "error", waitErr)
		return 1, nil
	}
	return 0, nil
}
