// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/seenimoa/edgarsync/internal/config"
)

// New returns a logger at cfg.Level writing JSON or console lines to stderr.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("logging.level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "json":
		zc = zap.NewProductionConfig()
	case "", "console", "text":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("logging.format %q: want json or console", cfg.Format)
	}
	zc.Level = level
	zc.Sampling = nil
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log.Named("edgarsync"), nil
}
