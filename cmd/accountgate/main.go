package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "v0.1.0-dev"

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "accountgate",
		Short: "Account-safety control plane for automated messaging accounts",
		Long: `accountgate decides whether an account may act right now. It combines
per-account rate limits, a risk score built from recent platform signals,
a staged recovery plan for accounts that got into trouble, and delivery
probes that detect shadow-bans.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "./config.yaml", "config file (.yaml, .yml or .toml)")

	root.AddCommand(
		newServeCmd(&cfgFile),
		newScoreCmd(&cfgFile),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
