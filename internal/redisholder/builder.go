package redisholder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trunov/mp3hub/internal/config"
)

var errNoNodes = errors.New("no nodes defined")

// Build connects to the configured nodes, cluster first with a single-node
// fallback, and keeps the connection healthy until ctx is done.
func Build(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Holder, error) {
	cl, err := connect(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}

	h := NewHolder(cl)
	go healthLoop(ctx, h, cfg, logger)

	return h, nil
}

func connect(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (redis.UniversalClient, error) {
	cl, err := newClusterClient(ctx, cfg)
	if err == nil {
		return cl, nil
	}
	single, serr := newClient(ctx, cfg)
	if serr != nil {
		return nil, serr
	}
	logger.Info("redis: cluster client failed, using single-node client", zap.NamedError("cluster_error", err))
	return single, nil
}

func healthLoop(ctx context.Context, h *Holder, cfg config.RedisConfig, logger *zap.Logger) {
	interval := cfg.HealthCheckInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger.Info("redis: health loop started", zap.Duration("interval", interval))

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = h.Close()
			logger.Info("redis: health loop stopped", zap.Error(ctx.Err()))
			return
		case <-t.C:
			check(ctx, h, cfg, logger)
		}
	}
}

func check(ctx context.Context, h *Holder, cfg config.RedisConfig, logger *zap.Logger) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := h.Get().Ping(pingCtx).Err()
	cancel()
	if err == nil {
		return
	}
	logger.Warn("redis: ping failed, attempting reconnect", zap.Error(err))

	newCl, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("redis: reconnect failed", zap.Error(err))
		return
	}
	if old := h.swap(newCl); old != nil {
		_ = old.Close()
	}
	logger.Info("redis: reconnected")
}

func addrs(cfg config.RedisConfig) []string {
	out := make([]string, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		out = append(out, node.Addr())
	}
	return out
}

func newClusterClient(ctx context.Context, cfg config.RedisConfig) (*redis.ClusterClient, error) {
	if len(cfg.Nodes) < 1 {
		return nil, errNoNodes
	}

	cl := redis.NewClusterClient(&redis.ClusterOptions{
		RouteByLatency: true,
		Password:       cfg.Password,
		Addrs:          addrs(cfg),
		DialTimeout:    cfg.DialTimeout.Std(),
		ReadTimeout:    cfg.ReadTimeout.Std(),
		WriteTimeout:   cfg.WriteTimeout.Std(),
		PoolSize:       cfg.PoolSize,
		PoolTimeout:    30 * time.Second,
		MaxRetries:     30,
	})

	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("error pinging redis cluster: %w", err)
	}
	return cl, nil
}

func newClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	stickyErr := errNoNodes

	for _, addr := range addrs(cfg) {
		cl := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DatabaseID,
			DialTimeout:  cfg.DialTimeout.Std(),
			ReadTimeout:  cfg.ReadTimeout.Std(),
			WriteTimeout: cfg.WriteTimeout.Std(),
			PoolSize:     cfg.PoolSize,
		})

		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			stickyErr = fmt.Errorf("error pinging redis server %s: %w", addr, err)
			continue
		}
		return cl, nil
	}
	return nil, stickyErr
}
