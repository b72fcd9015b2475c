// Package logging builds the zap loggers shared by the gateway, the converter
// and the auth service.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trunov/mp3hub/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level       string
	Format      string
	OutputPaths []string
	Development bool
}

// New constructs a zap logger using the provided options.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(strings.ToLower(opts.Level)))
	if err != nil || opts.Level == "" {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if opts.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format := strings.ToLower(strings.TrimSpace(opts.Format)); format {
	case "", "json":
		zc.Encoding = "json"
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	if len(opts.OutputPaths) > 0 {
		zc.OutputPaths = opts.OutputPaths
		zc.ErrorOutputPaths = opts.OutputPaths
	}

	return zc.Build()
}

// NewFromConfig creates a logger from the log section of the app config.
func NewFromConfig(cfg config.LogConfig) (*zap.Logger, error) {
	return New(Options{
		Level:       cfg.Level,
		Format:      cfg.Format,
		Development: cfg.Development,
	})
}
