// Package config loads the CLI configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/atlas-forks/phoenix-pubsub-redis/internal/redisx"
)

type Config struct {
	ServerName string `env:"PUBSUB_SERVER_NAME" default:"default"`
	NodeName   string `env:"PUBSUB_NODE_NAME"`

	RedisURL            string `env:"REDIS_URL"`
	RedisAddr           string `env:"REDIS_ADDR"`
	RedisSentinelMaster string `env:"REDIS_SENTINEL_MASTER"`
	RedisSentinelAddrs  string `env:"REDIS_SENTINEL_ADDRS"`

	PoolSize     int  `env:"PUBSUB_POOL_SIZE" default:"5"`
	PoolBlocking bool `env:"PUBSUB_POOL_BLOCKING" default:"true"`
	ShardCount   int  `env:"PUBSUB_SHARD_COUNT" default:"8"`

	MetricsAddr string `env:"METRICS_ADDR"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.ServerName == "" {
		return fmt.Errorf("PUBSUB_SERVER_NAME must not be empty")
	}
	if cfg.PoolSize < 1 {
		return fmt.Errorf("PUBSUB_POOL_SIZE must be at least 1, got %d", cfg.PoolSize)
	}
	if cfg.ShardCount < 1 {
		return fmt.Errorf("PUBSUB_SHARD_COUNT must be at least 1, got %d", cfg.ShardCount)
	}
	if cfg.RedisURL != "" && cfg.RedisAddr != "" {
		return fmt.Errorf("REDIS_URL and REDIS_ADDR are mutually exclusive")
	}
	if (cfg.RedisSentinelMaster == "") != (cfg.RedisSentinelAddrs == "") {
		return fmt.Errorf("REDIS_SENTINEL_MASTER and REDIS_SENTINEL_ADDRS must be set together")
	}
	return nil
}

// RedisOptions translates the environment settings into client options.
func (c *Config) RedisOptions() redisx.Options {
	opts := redisx.Options{
		URL:  c.RedisURL,
		Addr: c.RedisAddr,
	}
	if c.RedisSentinelMaster != "" {
		opts.Sentinel = &redisx.SentinelOptions{
			MasterName: c.RedisSentinelMaster,
			Addrs:      splitAddrs(c.RedisSentinelAddrs),
		}
	}
	return opts
}

func splitAddrs(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
