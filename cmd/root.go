package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trunov/mp3hub/cmd/migrate"
	"github.com/trunov/mp3hub/internal/app"
	"github.com/trunov/mp3hub/internal/config"
	"github.com/trunov/mp3hub/internal/logging"
)

// commandContext loads configuration once for whichever subcommand runs.
type commandContext struct {
	configFile string
	cfg        *config.Config
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg := config.NewConfig()
	if err := cfg.Read(c.configFile); err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "mp3hub",
		Short:         "Video to mp3 conversion pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cc.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cc.configFile, "config", "c", defaultConfigFile, "Configuration file path")

	rootCmd.AddCommand(
		newServiceCommand(cc, "gateway", "Serve login, upload and download", app.NewGateway),
		newServiceCommand(cc, "converter", "Consume the video queue and convert to mp3", app.NewConverter),
		newServiceCommand(cc, "auth", "Serve the authentication service", app.NewAuth),
		newServiceCommand(cc, "standalone", "Run auth, gateway and converter in one process", app.NewStandalone),
		newMigrateCommand(cc),
		newUserAddCommand(cc),
	)
	return rootCmd
}

type appFactory func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app.App, error)

func newServiceCommand(cc *commandContext, name, short string, factory appFactory) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			return runService(cmd.Context(), cfg, name, factory)
		},
	}
}

func runService(parent context.Context, cfg *config.Config, name string, factory appFactory) error {
	logger, err := logging.NewFromConfig(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named(name).With(zap.String("version", version))

	if err := initSentry(&cfg.Sentry, version); err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	// Flush buffered events before the program terminates.
	defer sentry.Flush(2 * time.Second)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := factory(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("releasing resources", zap.Error(err))
		}
	}()

	logger.Info("started")
	err = a.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stopped with error", zap.Error(err))
		sentry.CaptureException(err)
		return err
	}
	logger.Info("stopped")
	return nil
}

func newMigrateCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(cfg.Database); err != nil {
				return err
			}
			if err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newUserAddCommand(cc *commandContext) *cobra.Command {
	var (
		password string
		admin    bool
	)
	cmd := &cobra.Command{
		Use:   "useradd <email>",
		Short: "Create a user for the auth service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv("MP3HUB_USER_PASSWORD")
			}
			if password == "" {
				return errors.New("password required: use --password or MP3HUB_USER_PASSWORD")
			}
			if err := app.AddUser(cmd.Context(), cfg, args[0], password, admin); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (admin=%t)\n", args[0], admin)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password for the new user")
	cmd.Flags().BoolVar(&admin, "admin", false, "Allow uploads and downloads")
	return cmd
}
