package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/rideline/internal/config"
	"github.com/user/rideline/internal/state"
)

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.AddCommand(relayListCmd, relayAddCmd, relayRemoveCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Manage the relay set",
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay URL must use ws:// or wss://, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("relay URL has no host: %q", raw)
	}
	return nil
}

// savedRelays returns the relay list persisted by serve. A store the daemon
// holds locked is reported, not fatal.
func savedRelays(ctx context.Context, cfg *config.Config) (*state.RelayList, func(), []string) {
	store, err := state.Open(ctx, cfg.Store.Backend, cfg.DataDir, cfg.Store.RedisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: local store unavailable: %v\n", err)
		return nil, func() {}, nil
	}
	list := state.NewRelayList(store)
	saved, err := list.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: load saved relays: %v\n", err)
	}
	return list, func() { store.Close() }, saved
}

var relayListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured and saved relays",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, closeStore, saved := savedRelays(ctx, cfg)
		defer closeStore()

		for _, u := range state.Merge(cfg.Relays, saved) {
			source := "saved"
			if slices.Contains(cfg.Relays, u) {
				source = "config"
			}
			fmt.Fprintf(os.Stdout, "%s\t(%s)\n", u, source)
		}
		return nil
	},
}

var relayAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Add a relay to the config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateRelayURL(args[0]); err != nil {
			return err
		}
		cfg := loadConfig()
		if slices.Contains(cfg.Relays, args[0]) {
			fmt.Fprintf(os.Stdout, "%s is already configured.\n", args[0])
			return nil
		}
		cfg.Relays = append(cfg.Relays, args[0])
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Added %s. Restart the daemon to connect.\n", args[0])
		return nil
	},
}

var relayRemoveCmd = &cobra.Command{
	Use:   "remove <url>",
	Short: "Remove a relay from the config and the saved list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		cfg.Relays = slices.DeleteFunc(cfg.Relays, func(u string) bool { return u == args[0] })
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		list, closeStore, saved := savedRelays(ctx, cfg)
		defer closeStore()
		if list != nil && slices.Contains(saved, args[0]) {
			saved = slices.DeleteFunc(saved, func(u string) bool { return u == args[0] })
			if err := list.Save(ctx, saved); err != nil {
				return fmt.Errorf("update saved relays: %w", err)
			}
		}
		fmt.Fprintf(os.Stdout, "Removed %s. Restart the daemon to disconnect.\n", args[0])
		return nil
	},
}
