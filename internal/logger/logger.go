package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the process logger. verbosity is a zap level name ("debug",
// "info", ...); an empty string means info. format selects the encoder and
// is either "json" (default) or "console".
func New(verbosity, format string) (*zap.Logger, error) {
	var config zap.Config
	switch format {
	case "", "json":
		config = zap.NewProductionConfig()
	case "console":
		config = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	// Per-event callback logs arrive in bursts and must not be sampled away.
	config.Sampling = nil
	return config.Build()
}
