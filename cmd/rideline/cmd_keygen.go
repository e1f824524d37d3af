package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/rideline/internal/config"
	"github.com/user/rideline/internal/identity"
)

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().BoolVar(&keygenSave, "save", false, "store the new secret key in the config")
}

var keygenSave bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new identity key pair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, sk, err := identity.Generate()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "public key: %s\n", ks.PublicKey())
		if !keygenSave {
			fmt.Fprintf(os.Stdout, "secret key: %s\n", sk)
			return nil
		}
		cfg := loadConfig()
		if cfg.Identity.SecretKey != "" {
			return fmt.Errorf("config already holds an identity; unset identity.secret_key first")
		}
		cfg.Identity.SecretKey = sk
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "secret key saved to", cfgPath)
		return nil
	},
}
