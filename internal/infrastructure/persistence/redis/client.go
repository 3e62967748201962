// Package redis provides the Redis-backed presence store. All authoritative
// presence state lives here; in-process structures elsewhere are rebuildable.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/pkg/config"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient connects to Redis using the configured address and verifies the
// connection with a ping.
func NewClient(ctx context.Context) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.RedisAddr, err)
	}
	return client, nil
}
