package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/della-wonders/wonder/internal/config"
	"github.com/della-wonders/wonder/internal/exchange"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the state of the shared directory",
	Long: `Report the relay's shared directory state: pending request and
response entries with their ages, and whether the forwarder appears to be
running.

Examples:
  # Show status for the configured shared directory
  wonder status

  # Show status for a specific shared directory
  WONDER_RELAY_SHARED_DIR=/mnt/shared wonder status`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger("error")
	store := exchange.NewStore(cfg.Relay.SharedDir, logger)

	fmt.Printf("Shared directory: %s\n", store.Root())
	if _, err := os.Stat(store.Root()); err != nil {
		fmt.Printf("  (not present: %v)\n", err)
		return nil
	}

	printEntries(store, "Pending requests", store.RequestDir())
	printEntries(store, "Unclaimed responses", store.ResponseDir())

	pid := readPIDFile(pidFilePath())
	switch {
	case pid == 0:
		fmt.Printf("Forwarder: not running (no PID file)\n")
	default:
		proc, err := os.FindProcess(pid)
		if err == nil && processIsAlive(proc) {
			fmt.Printf("Forwarder: running (PID %d)\n", pid)
		} else {
			fmt.Printf("Forwarder: not running (stale PID file, PID %d)\n", pid)
		}
	}
	return nil
}

func printEntries(store *exchange.Store, label, dir string) {
	ids, err := store.ListPending(dir)
	if err != nil {
		fmt.Printf("%s: error: %v\n", label, err)
		return
	}

	fmt.Printf("%s: %d\n", label, len(ids))
	for _, id := range ids {
		if age, ok := store.EntryAge(dir, id); ok {
			fmt.Printf("  %s  (age %s)\n", id, age.Round(time.Second))
		} else {
			fmt.Printf("  %s\n", id)
		}
	}
}
