package app

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/autoflow-backend/internal/data/cache"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type Clients struct {
	// Redis is nil when REDIS_ADDR is unset; everything then runs in-process.
	Redis goredis.UniversalClient
	Cache cache.Cache
	// MemoryCache is set when Cache is the in-process fallback.
	MemoryCache *cache.Memory
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		log.Warn("REDIS_ADDR not set, using in-process cache and rate windows")
		mem := cache.NewMemory(nil)
		return Clients{Cache: mem, MemoryCache: mem}, nil
	}
	rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return Clients{}, fmt.Errorf("init redis: %w", err)
	}
	return Clients{
		Redis: rdb,
		Cache: cache.NewRedisCache(log, rdb, cfg.Redis.Prefix),
	}, nil
}

func (c Clients) Close() {
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
