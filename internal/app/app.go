package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trunov/mp3hub/internal/config"
	"github.com/trunov/mp3hub/internal/redisholder"
)

const shutdownTimeout = 15 * time.Second

// App is one runnable process: some HTTP servers, some background loops and
// the resources they share. Close releases resources in reverse order of
// acquisition.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	servers []*http.Server
	runners []func(ctx context.Context) error
	closers []func() error

	redis *redisholder.Holder
}

func newApp(cfg *config.Config, logger *zap.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

func (a *App) onClose(f func() error) {
	a.closers = append(a.closers, f)
}

func (a *App) serve(name, addr string, h http.Handler) {
	a.servers = append(a.servers, &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  a.cfg.Server.ReadTimeout.Std(),
		WriteTimeout: a.cfg.Server.WriteTimeout.Std(),
		ErrorLog:     zap.NewStdLog(a.logger.Named(name)),
	})
}

// Run blocks until ctx is done or a server or loop fails, then shuts the
// servers down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range a.servers {
		g.Go(func() error {
			a.logger.Info("starting server", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", s.Addr, err)
			}
			return nil
		})
	}
	for _, run := range a.runners {
		g.Go(func() error { return run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		for _, s := range a.servers {
			if err := s.Shutdown(sctx); err != nil {
				a.logger.Warn("server shutdown", zap.String("addr", s.Addr), zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// redisHolder connects on first use; gateway and auth never need Redis.
func (a *App) redisHolder(ctx context.Context) (*redisholder.Holder, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	h, err := redisholder.Build(ctx, a.cfg.Redis, a.logger.Named("redis"))
	if err != nil {
		return nil, err
	}
	a.redis = h
	a.onClose(h.Close)
	return h, nil
}
