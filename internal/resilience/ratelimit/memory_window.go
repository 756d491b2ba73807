package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryBucket struct {
	mu     sync.Mutex
	stamps []time.Time
	window time.Duration
	// dead is set by Prune before the bucket leaves the map; a Take that
	// still holds the old pointer must look the key up again.
	dead bool
}

// MemoryWindow is an exact sliding window held in process memory. It is
// correct only when a single process serves all traffic for a key.
type MemoryWindow struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{buckets: map[string]*memoryBucket{}}
}

func (w *MemoryWindow) Strategy() string { return StrategySlidingWindow }

// lockedBucket returns the live bucket for key with its mutex held.
func (w *MemoryWindow) lockedBucket(key string) *memoryBucket {
	for {
		b := w.bucket(key)
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

func (w *MemoryWindow) bucket(key string) *memoryBucket {
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.buckets[key]
	if b == nil {
		b = &memoryBucket{}
		w.buckets[key] = b
	}
	return b
}

func (w *MemoryWindow) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	b := w.lockedBucket(key)
	defer b.mu.Unlock()

	b.window = window
	cutoff := now.Add(-window)
	keep := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	b.stamps = keep

	allowed := len(b.stamps) < limit
	if allowed {
		b.stamps = append(b.stamps, now)
	}
	oldest := now
	if len(b.stamps) > 0 {
		oldest = b.stamps[0]
	}
	return Decision{
		Allowed: allowed,
		Count:   len(b.stamps),
		ResetAt: oldest.Add(window),
	}, nil
}

// Prune drops buckets with no timestamp inside their window.
func (w *MemoryWindow) Prune(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for key, b := range w.buckets {
		b.mu.Lock()
		stale := len(b.stamps) == 0 || !b.stamps[len(b.stamps)-1].After(now.Add(-b.window))
		if stale {
			b.dead = true
		}
		b.mu.Unlock()
		if stale {
			delete(w.buckets, key)
			removed++
		}
	}
	return removed
}
