package commands

import (
	"context"
	"log/slog"
	"time"

	pubsub "github.com/atlas-forks/phoenix-pubsub-redis"
	"github.com/atlas-forks/phoenix-pubsub-redis/internal/config"
)

// startNode brings up a pub/sub node from the environment configuration and
// blocks until its subscription is live.
func startNode(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pubsub.PubSub, error) {
	ps, err := pubsub.New(pubsub.Config{
		ServerName:   cfg.ServerName,
		NodeName:     cfg.NodeName,
		Redis:        cfg.RedisOptions(),
		PoolSize:     cfg.PoolSize,
		PoolBlocking: cfg.PoolBlocking,
		ShardCount:   cfg.ShardCount,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ps.Start(startCtx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return ps, nil
}
