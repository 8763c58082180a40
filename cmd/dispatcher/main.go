package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the dispatcher command tree.
func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "dispatcher",
		Short: "Fan a templated task out to remote agents",
		Long: `dispatcher runs one templated task per argument set against a remote
agent capability, with bounded concurrency, retries, circuit breaking,
idempotent replay and aggregate cost and duration limits.

Configuration is read from --config (default ./config.yaml); SUBDISPATCH_*
environment variables override file values.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", envOr("SUBDISPATCH_CONFIG", defaultConfigPath), "path to config file")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newValidateCmd(&cfgPath),
		newDoctorCmd(&cfgPath),
		newKeygenCmd(),
		newEncryptCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
