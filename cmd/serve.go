package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/assertion-verifier/internal/config"
	"github.com/JakeFAU/assertion-verifier/internal/server"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP front end
// and supervises the worker pool.
func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP verification service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := server.Build(cmd.Context(), cfg, server.Options{ConfigPath: *cfgFile})
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
