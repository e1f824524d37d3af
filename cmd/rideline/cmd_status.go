package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/rideline/internal/config"
	"github.com/user/rideline/internal/relay"
	"github.com/user/rideline/internal/state"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "how long to wait for relays when probing")
}

var statusTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-relay connectivity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		if _, err := readPID(); err == nil && cfg.HTTP.Enabled {
			statuses, err := daemonStatus(cfg.HTTP.Listen)
			if err == nil {
				color.Cyan("daemon at %s", cfg.HTTP.Listen)
				printStatus(statuses)
				return nil
			}
			fmt.Fprintf(os.Stderr, "warning: daemon unreachable, dialing relays directly: %v\n", err)
		}

		statuses, err := dialStatus(cfg)
		if err != nil {
			return err
		}
		color.Cyan("direct check (%s)", statusTimeout)
		printStatus(statuses)
		return nil
	},
}

func daemonStatus(listen string) ([]relay.RelayStatus, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + listen + "/relays")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("diagnostics returned %s", resp.Status)
	}
	var out []relay.RelayStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// dialStatus connects a throwaway pool to every known relay and reports
// where each one got to within the timeout.
func dialStatus(cfg *config.Config) ([]relay.RelayStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout+time.Second)
	defer cancel()

	_, closeStore, saved := savedRelays(ctx, cfg)
	closeStore()
	urls := state.Merge(cfg.Relays, saved)
	if len(urls) == 0 {
		return nil, fmt.Errorf("no relays configured")
	}

	pool := newPool(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	defer pool.Close()
	for _, u := range urls {
		pool.AddRelay(u)
	}
	pool.Connect()

	deadline := time.After(statusTimeout)
	for pool.ConnectedCount() < len(urls) {
		select {
		case <-deadline:
			return pool.Status(), nil
		case <-time.After(50 * time.Millisecond):
		}
	}
	return pool.Status(), nil
}

func printStatus(statuses []relay.RelayStatus) {
	connected := 0
	for _, st := range statuses {
		switch st.State {
		case "connected":
			connected++
			color.Green("  ✓ %-40s connected (gen %d, %d subs, %d pending)", st.URL, st.Generation, st.Subscriptions, st.Pending)
		case "connecting":
			color.Yellow("  … %-40s connecting", st.URL)
		default:
			color.Red("  ✗ %-40s %s", st.URL, st.State)
		}
	}
	summary := color.New(color.Bold)
	summary.Printf("%d/%d relays connected\n", connected, len(statuses))
}
