package nl43

import (
	"context"
	"sync"
)

// -------------------------------------------------------------------------
// LockTable — per-unit exclusive session lock
// -------------------------------------------------------------------------

// LockTable provides a lazily created exclusive lock per unit. A caller
// must hold the unit's lock for the entire duration of any TCP interaction
// with that device: a single request/response or a streaming session that
// may run for hours.
//
// Locks are backed by a one-slot channel semaphore, so acquisition is
// cancellable via context. The table-level mutex is held only during
// lookup/insert, never while waiting for a lock.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLockTable creates an empty LockTable.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]chan struct{})}
}

// sem returns the semaphore channel for unitID, creating it on first use.
func (t *LockTable) sem(unitID string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.locks[unitID]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[unitID] = ch
	}
	return ch
}

// Acquire takes the exclusive lock for unitID, blocking until it is free
// or ctx is done. On cancellation the lock is not held and ctx.Err() is
// returned.
func (t *LockTable) Acquire(ctx context.Context, unitID string) error {
	select {
	case t.sem(unitID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the lock only if it is immediately free.
func (t *LockTable) TryAcquire(unitID string) bool {
	select {
	case t.sem(unitID) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the lock for unitID. Releasing an unheld lock panics, as
// with sync.Mutex.
func (t *LockTable) Release(unitID string) {
	select {
	case <-t.sem(unitID):
	default:
		panic("nl43: release of unheld device lock for " + unitID)
	}
}
