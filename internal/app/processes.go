package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/trunov/mp3hub/cmd/migrate"
	"github.com/trunov/mp3hub/internal/auth"
	"github.com/trunov/mp3hub/internal/config"
	"github.com/trunov/mp3hub/internal/repository/storage"
)

// build runs setup and releases whatever it acquired if setup fails.
func build(cfg *config.Config, logger *zap.Logger, setup func(a *App) error) (*App, error) {
	a := newApp(cfg, logger)
	if err := setup(a); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Drivers that live inside one process cannot connect separate gateway and
// converter processes.
func requireSharedDrivers(cfg *config.Config) error {
	if cfg.Broker.Driver == "memory" {
		return fmt.Errorf("broker driver %q only works with the standalone command", cfg.Broker.Driver)
	}
	if cfg.Blob.Driver != "s3" {
		return fmt.Errorf("blob driver %q only works with the standalone command", cfg.Blob.Driver)
	}
	return nil
}

// NewGateway serves login, upload and download and talks to a remote auth
// service.
func NewGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	return build(cfg, logger, func(a *App) error {
		if err := cfg.Validate(cfg.Server, cfg.Broker, cfg.Blob); err != nil {
			return err
		}
		if err := requireSharedDrivers(cfg); err != nil {
			return err
		}

		b, err := a.newBroker(ctx)
		if err != nil {
			return err
		}
		videos, mp3s, err := a.newBlobStores(ctx)
		if err != nil {
			return err
		}

		authn := auth.NewClient(cfg.Auth.ServiceURL, cfg.Auth.Timeout.Std())
		a.serve("gateway", fmt.Sprintf(":%d", cfg.Server.Port), a.gatewayRouter(b, videos, mp3s, authn))
		return nil
	})
}

// NewConverter runs the conversion workers and a metrics endpoint.
func NewConverter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	return build(cfg, logger, func(a *App) error {
		if err := cfg.Validate(cfg.Broker, cfg.Blob, cfg.Converter); err != nil {
			return err
		}
		if err := requireSharedDrivers(cfg); err != nil {
			return err
		}

		b, err := a.newBroker(ctx)
		if err != nil {
			return err
		}
		videos, mp3s, err := a.newBlobStores(ctx)
		if err != nil {
			return err
		}
		w, err := a.newWorker(ctx, b, videos, mp3s)
		if err != nil {
			return err
		}

		a.runners = append(a.runners, w.Start)
		if cfg.Converter.MetricsAddr != "" {
			a.serve("metrics", cfg.Converter.MetricsAddr, metricsHandler())
		}
		return nil
	})
}

// NewAuth runs the auth service on its own port. Migrations run first.
func NewAuth(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	return build(cfg, logger, func(a *App) error {
		if err := cfg.Validate(cfg.Database, cfg.Auth); err != nil {
			return err
		}
		if err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		svc, err := a.newAuthService(ctx)
		if err != nil {
			return err
		}
		a.serve("auth", fmt.Sprintf(":%d", cfg.Auth.Port), auth.NewRouter(auth.NewHandler(svc, logger.Named("auth"))))
		return nil
	})
}

// NewStandalone runs auth, gateway and converter in one process sharing one
// broker and one blob backend. This is the only mode for the memory and
// pebble drivers.
func NewStandalone(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	return build(cfg, logger, func(a *App) error {
		if err := cfg.Validate(cfg.Server, cfg.Broker, cfg.Blob, cfg.Converter, cfg.Database, cfg.Auth); err != nil {
			return err
		}
		if err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		svc, err := a.newAuthService(ctx)
		if err != nil {
			return err
		}
		b, err := a.newBroker(ctx)
		if err != nil {
			return err
		}
		videos, mp3s, err := a.newBlobStores(ctx)
		if err != nil {
			return err
		}
		w, err := a.newWorker(ctx, b, videos, mp3s)
		if err != nil {
			return err
		}

		a.runners = append(a.runners, w.Start)
		a.serve("gateway", fmt.Sprintf(":%d", cfg.Server.Port), a.gatewayRouter(b, videos, mp3s, svc))
		a.serve("auth", fmt.Sprintf(":%d", cfg.Auth.Port), auth.NewRouter(auth.NewHandler(svc, logger.Named("auth"))))
		return nil
	})
}

// AddUser creates a login for the auth service.
func AddUser(ctx context.Context, cfg *config.Config, email, password string, admin bool) error {
	if err := cfg.Validate(cfg.Database); err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	repo, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer repo.Close()

	if _, err := repo.CreateUser(ctx, email, hash, admin); err != nil {
		return err
	}
	return nil
}

