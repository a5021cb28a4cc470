// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger flavor.
//   - Development: console encoding with colored levels instead of JSON.
//   - Role: tags every entry with the process role ("serve" or "compute") so
//     parent and child output can be told apart when they share a terminal.
type Options struct {
	Development bool
	Role        string
}

// New builds a zap.Logger configured for development or production.
// Both flavors write to stderr; stdout of a compute child carries the
// worker protocol and must stay clean.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if opts.Role != "" {
		cfg.InitialFields = map[string]any{"role": opts.Role}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
