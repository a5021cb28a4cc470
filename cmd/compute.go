package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/assertion-verifier/internal/assertion"
	"github.com/JakeFAU/assertion-verifier/internal/compute"
	"github.com/JakeFAU/assertion-verifier/internal/config"
	"github.com/JakeFAU/assertion-verifier/internal/logging"
)

// newComputeCmd creates the 'compute' subcommand. It is started by 'serve'
// once per pool slot and speaks JSON lines on stdin/stdout.
func newComputeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:    "compute",
		Short:  "Runs one verification worker (started by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Role: "compute"})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			// The parent owns the lifecycle: it closes stdin when it is done.
			signal.Ignore(syscall.SIGINT)

			varPath := os.Getenv("VAR_PATH")
			if varPath == "" {
				varPath = cfg.VarPath
			}
			keys, err := assertion.LoadKeys(varPath)
			if err != nil {
				return fmt.Errorf("load issuer keys: %w", err)
			}
			logger.Info("compute worker ready",
				zap.Int("pid", os.Getpid()),
				zap.String("var_path", varPath),
				zap.Int("issuers", len(keys)),
			)

			return compute.Serve(cmd.Context(), os.Stdin, os.Stdout, assertion.NewVerifier(keys), logger)
		},
	}
}
