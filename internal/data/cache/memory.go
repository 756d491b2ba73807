package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	val       []byte
	expiresAt time.Time
}

// Memory is an in-process TTL cache used when no redis is configured.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
	closed  bool
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{entries: map[string]memoryEntry{}, now: now}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	out := make([]byte, len(e.val))
	copy(out, e.val)
	return out, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if ttl <= 0 {
		delete(m.entries, key)
		return nil
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	m.entries[key] = memoryEntry{val: cp, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, key)
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (m *Memory) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = map[string]memoryEntry{}
	return nil
}
