package adapter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// GoRedis adapts *redis.Client to RedisClient.
type GoRedis struct {
	rdb *redis.Client
}

// NewGoRedis connects to addr and verifies the connection with PING.
func NewGoRedis(ctx context.Context, addr, password string, db int) (*GoRedis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &GoRedis{rdb: rdb}, nil
}

func (g *GoRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.rdb.HSet(ctx, key, values...).Err()
}

func (g *GoRedis) Publish(ctx context.Context, channel string, message any) error {
	return g.rdb.Publish(ctx, channel, message).Err()
}

func (g *GoRedis) Close() error {
	return g.rdb.Close()
}
