package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type redisCache struct {
	log    *logger.Logger
	rdb    goredis.UniversalClient
	prefix string
}

// NewRedisClient dials and pings; callers own the client.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*goredis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisCache(log *logger.Logger, rdb goredis.UniversalClient, prefix string) Cache {
	if prefix == "" {
		prefix = "autoflow:"
	}
	return &redisCache{
		log:    log.With("service", "RedisCache"),
		rdb:    rdb,
		prefix: prefix,
	}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil || c.rdb == nil {
		return nil, false, ErrClosed
	}
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if c == nil || c.rdb == nil {
		return ErrClosed
	}
	if ttl <= 0 {
		return c.rdb.Del(ctx, c.prefix+key).Err()
	}
	return c.rdb.Set(ctx, c.prefix+key, val, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	if c == nil || c.rdb == nil {
		return ErrClosed
	}
	return c.rdb.Del(ctx, c.prefix+key).Err()
}

// Close is a no-op; the client is shared and closed by its owner.
func (c *redisCache) Close() error { return nil }
