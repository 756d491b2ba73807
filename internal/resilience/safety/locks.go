package safety

import (
	"sync"

	"github.com/google/uuid"
)

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// ownerLocks hands out one mutex per owner and forgets it once unused.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: map[uuid.UUID]*refMutex{}}
}

func (o *ownerLocks) lock(id uuid.UUID) func() {
	o.mu.Lock()
	m := o.locks[id]
	if m == nil {
		m = &refMutex{}
		o.locks[id] = m
	}
	m.refs++
	o.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		o.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(o.locks, id)
		}
		o.mu.Unlock()
	}
}
