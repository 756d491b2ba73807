// Package cache is the optional fast read-through accelerator in front of the
// durable store. It is never authoritative.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("cache closed")

type Cache interface {
	// Get returns (nil, false, nil) on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
