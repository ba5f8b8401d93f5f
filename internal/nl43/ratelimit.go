package nl43

import (
	"context"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Governor — per-unit minimum inter-command spacing
// -------------------------------------------------------------------------

// MinCommandSpacing is the minimum interval between two commands placed on
// the wire to the same unit. The meter wedges if commands arrive faster.
const MinCommandSpacing = 1 * time.Second

// Governor enforces the per-unit minimum inter-command interval
// process-wide. The application root owns a single Governor and passes it
// to every Client.
//
// The zero value is not usable; use NewGovernor.
type Governor struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewGovernor creates an empty Governor.
func NewGovernor() *Governor {
	return &Governor{last: make(map[string]time.Time)}
}

// Acquire blocks until at least MinCommandSpacing has elapsed since the
// previous Acquire for unitID, then records the new send timestamp.
//
// Callers already hold the unit's LockTable entry, so at most one goroutine
// waits per unit; the internal mutex only guards the map itself.
//
// Cancellation aborts the wait without advancing the recorded timestamp.
func (g *Governor) Acquire(ctx context.Context, unitID string) error {
	g.mu.Lock()
	last, ok := g.last[unitID]
	g.mu.Unlock()

	if ok {
		if wait := MinCommandSpacing - time.Since(last); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	g.mu.Lock()
	g.last[unitID] = time.Now()
	g.mu.Unlock()

	return nil
}

// Forget drops the recorded timestamp for unitID. Used when a device is
// deleted from the registry.
func (g *Governor) Forget(unitID string) {
	g.mu.Lock()
	delete(g.last, unitID)
	g.mu.Unlock()
}
