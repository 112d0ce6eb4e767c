// Package cmd provides the CLI commands for the wonder relay.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/della-wonders/wonder/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wonder",
	Short: "Wonder - store-and-forward HTTP relay",
	Long: `Wonder relays HTTP traffic across a network-isolation boundary through
a shared filesystem. Programs on the isolated side talk to a local proxy;
a forwarder on the connected side executes their requests against the real
network and writes the responses back.

Quick start:
  1. On the connected side: wonder forward
  2. On the isolated side:  wonder run -- python agent.py

Configuration:
  Config is loaded from wonder.yaml in the current directory,
  $HOME/.wonder/, or /etc/wonder/.

  Environment variables can override config values with the WONDER_ prefix.
  Example: WONDER_RELAY_SHARED_DIR=/mnt/shared

Commands:
  run         Run a command behind the capture proxy
  forward     Start the forwarder daemon
  status      Report the state of the shared directory
  stop        Stop the running forwarder
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./wonder.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// newLogger builds the diagnostic logger. Stderr only; stdout belongs to
// the child process in run mode.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
