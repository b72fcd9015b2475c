package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/getsentry/sentry-go"

	"github.com/trunov/mp3hub/internal/config"
)

const defaultConfigFile = "config.json"

// set by -ldflags "-X main.version=..."
var version = "dev"

func initSentry(cfg *config.SentryConfig, version string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
	})
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
