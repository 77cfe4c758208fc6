package manager

import (
	"context"
	"sync"

	"meshd/internal/apperr"
)

// Lease pins a loaded model for one job. The model cannot be evicted while
// any lease is held, but an explicit Unload still proceeds.
type Lease struct {
	ModelID string
	GPU     int
	release func()
}

// Release ends the lease. It is safe to call more than once.
func (l *Lease) Release() {
	if l != nil && l.release != nil {
		l.release()
	}
}

// Acquire ensures id is loaded and pins it. Losing a race against an
// eviction is retried a bounded number of times before reporting
// CapacityUnavailable.
func (m *Manager) Acquire(ctx context.Context, id string) (*Lease, error) {
	for attempt := 0; attempt < m.attempts; attempt++ {
		g, err := m.EnsureLoaded(ctx, id, NoPreference)
		if err != nil {
			return nil, err
		}
		if epoch, ok := m.tracker.PinEpoch(g, id); ok {
			var once sync.Once
			return &Lease{ModelID: id, GPU: g, release: func() {
				once.Do(func() { m.tracker.UnpinEpoch(g, id, epoch) })
			}}, nil
		}
		m.log.Debug().Str("event", "pin_miss").Str("model", id).Int("gpu", g).Int("attempt", attempt).Msg("manager")
	}
	return nil, apperr.CapacityUnavailable(id)
}
