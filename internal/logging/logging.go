// Package logging builds the orchestrator's zap logger. Two profiles are
// supported, matching the field names asserted by the teacher's config
// tests: STRUCTURED (JSON, for production) and CONSOLE (human-readable,
// for local development).
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Profile selects the encoder used for log output.
type Profile string

const (
	ProfileStructured Profile = "STRUCTURED"
	ProfileConsole    Profile = "CONSOLE"
)

// New builds a *zap.Logger for the given profile and level name
// ("debug", "info", "warn", "error").
func New(profile Profile, level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch profile {
	case ProfileConsole:
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), lvl)
	return zap.New(core), nil
}

// Named returns a child logger scoped to name, the orchestrator's
// equivalent of the teacher's observability.CLILogger-style named loggers.
func Named(base *zap.Logger, name string) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	return base.Named(name)
}
