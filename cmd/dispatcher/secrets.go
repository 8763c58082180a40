package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"subdispatch/internal/infra/config"
)

func newValidateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if _, err := cfg.Catalog(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config OK: %d capabilities, idempotency backend %s\n",
				len(cfg.Capabilities), cfg.Idempotency.Backend)
			return nil
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a passphrase for SUBDISPATCH_CONFIG_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := config.GeneratePassphrase()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newEncryptCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "encrypt VALUE",
		Short: "Encrypt a secret for use as an enc: config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("SUBDISPATCH_CONFIG_KEY")
			}
			if key == "" {
				return errors.New("no key: pass --key or set SUBDISPATCH_CONFIG_KEY")
			}
			enc, err := config.EncryptValue(args[0], key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enc:%s\n", enc)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "passphrase (defaults to SUBDISPATCH_CONFIG_KEY)")
	return cmd
}
