package main

import (
	"context"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"voyager/cmd/server/config"
	"voyager/internal/checkout"
)

// buildRedisStateStore connects the Redis mirror of transaction state. It
// returns a nil store when REDIS_URL is unset.
func buildRedisStateStore(ctx context.Context, logger zerolog.Logger) (checkout.StateStore, func(), error) {
	if !config.RedisEnabled() {
		return nil, func() {}, nil
	}
	cfg, err := config.LoadRedis()
	if err != nil {
		return nil, nil, err
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	store := checkout.NewRedisStateStore(checkout.WrapRedisClient(client), cfg.Stream, cfg.StateTTL, cfg.StreamMaxLen)
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn().Err(err).Msg("close redis")
		}
	}
	return store, cleanup, nil
}
