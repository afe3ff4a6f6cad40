package taskqueue

import (
	"github.com/redis/go-redis/v9"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/types"
)

// NewRedisClient builds the shared Redis client from configuration. A URL
// takes precedence over discrete fields.
func NewRedisClient(cfg config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, types.NewConfigurationError("invalid redis url").WithCause(err)
		}
		if cfg.PoolSize > 0 {
			opts.PoolSize = cfg.PoolSize
		}
		return redis.NewClient(opts), nil
	}

	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}), nil
}
