// Package cmd defines the CLI commands of the verifier executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "verifier",
		Short: "Verifies identity assertions on a pool of isolated worker processes.",
		Long: `verifier accepts identity assertions over HTTP and hands each one to a
pool of worker processes for cryptographic verification. The same binary runs
the HTTP front end ("serve") and each worker ("compute").`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the VERIFIER_ prefix")

	cmd.AddCommand(newServeCmd(&cfgFile))
	cmd.AddCommand(newComputeCmd(&cfgFile))

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
