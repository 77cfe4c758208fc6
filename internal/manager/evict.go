package manager

import (
	"context"
	"strconv"

	"meshd/internal/apperr"
	"meshd/internal/model"
)

// admit reserves mdl's VRAM on g, evicting least recently used idle
// residents one at a time until the reservation fits. It returns
// CapacityUnavailable when no idle resident is left to evict.
func (m *Manager) admit(ctx context.Context, g int, mdl model.Model) error {
	id, need := mdl.ID(), mdl.VRAM()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.tracker.Reserve(g, id, need)
		if err == nil {
			observeVRAM(m.tracker, g)
			return nil
		}
		if !apperr.IsInsufficientVRAM(err) {
			return err
		}
		victim, ok := m.tracker.SelectEvictionCandidate(g, need)
		if !ok {
			return apperr.CapacityUnavailable(id)
		}
		if !m.tracker.ClaimEviction(g, victim) {
			// pinned between selection and claim; pick again
			continue
		}
		m.evict(ctx, g, victim, id)
	}
}

// evict unloads a claimed idle resident and then releases its VRAM, so the
// ledger never under-counts while the backend is still tearing down.
func (m *Manager) evict(ctx context.Context, g int, victim, forID string) {
	lock := m.locks[victim]
	lock.Lock()
	defer lock.Unlock()

	vm := m.models[victim]
	m.publish("evict", victim, map[string]any{"gpu": g, "for": forID})
	m.log.Info().Str("event", "evict").Str("model", victim).Int("gpu", g).Str("for", forID).Msg("manager")
	if err := vm.Unload(ctx); err != nil {
		m.log.Warn().Str("event", "evict_unload_error").Str("model", victim).Err(err).Msg("manager")
	}
	m.tracker.Release(g, victim)
	evictionsTotal.WithLabelValues(strconv.Itoa(g)).Inc()
	observeVRAM(m.tracker, g)
}
