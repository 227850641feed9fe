// Package logging constructs the broker's structured logger. Unlike
// some corpus repos that expose a package-level *zap.Logger singleton,
// New returns a logger the caller threads explicitly through
// constructors (SPEC_FULL.md §2.1) — this kernel has no global state
// beyond the well-known Permissions singletons.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger at the given level ("debug", "info",
// "warn", "error"). format selects the encoder: "console" for local
// development, anything else (including empty) for JSON production
// output, mirroring the level/format split in
// CloudPasture-kubevirt-shepherd's internal/pkg/logger.
func New(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: parse level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}
