package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"github.com/user/rideline/internal/config"
	"github.com/user/rideline/internal/identity"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Rideline Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		// 1. Relays
		relays := prompt(scanner, "Relay URLs (comma separated)", strings.Join(cfg.Relays, ","))
		cfg.Relays = cfg.Relays[:0]
		for _, u := range strings.Split(relays, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.Relays = append(cfg.Relays, u)
			}
		}

		// 2. Identity
		if cfg.Identity.SecretKey == "" {
			if answer := prompt(scanner, "Generate a new identity? (y/n)", "y"); strings.HasPrefix(strings.ToLower(answer), "y") {
				ks, sk, err := identity.Generate()
				if err != nil {
					return fmt.Errorf("generate identity: %w", err)
				}
				cfg.Identity.SecretKey = sk
				fmt.Println("Public key:", ks.PublicKey())
			}
		}

		// 3. Admin key (optional)
		cfg.Admin.PubKey = prompt(scanner, "Admin public key (optional)", cfg.Admin.PubKey)
		if cfg.Admin.PubKey != "" && !nostr.IsValid32ByteHex(cfg.Admin.PubKey) {
			return fmt.Errorf("admin public key must be 64 hex characters")
		}

		// 4. Store backend
		cfg.Store.Backend = prompt(scanner, "Store backend (file, bolt, redis)", cfg.Store.Backend)
		if cfg.Store.Backend == "redis" {
			cfg.Store.RedisAddr = prompt(scanner, "Redis address", cfg.Store.RedisAddr)
		}

		// 5. Diagnostics HTTP (optional)
		enabled := "n"
		if cfg.HTTP.Enabled {
			enabled = "y"
		}
		cfg.HTTP.Enabled = strings.HasPrefix(strings.ToLower(prompt(scanner, "Enable diagnostics HTTP? (y/n)", enabled)), "y")
		if cfg.HTTP.Enabled {
			cfg.HTTP.Listen = prompt(scanner, "Diagnostics listen address", cfg.HTTP.Listen)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
