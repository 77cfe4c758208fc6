package manager

import (
	"context"
	"errors"

	"meshd/internal/apperr"
)

// Unload releases id unconditionally, even when jobs hold leases on it.
// Unloading a model that is not loaded is a no-op.
func (m *Manager) Unload(ctx context.Context, id string) error {
	mdl, err := m.Model(id)
	if err != nil {
		return err
	}
	lock := m.locks[id]
	lock.Lock()
	defer lock.Unlock()

	g, placed := mdl.GPU()
	m.publish("unload_start", id, map[string]any{"gpu": g})
	m.log.Info().Str("event", "unload_start").Str("model", id).Msg("manager")
	err = mdl.Unload(ctx)
	if placed {
		m.tracker.Release(g, id)
		observeVRAM(m.tracker, g)
	}
	if err != nil {
		m.log.Warn().Str("event", "unload_error").Str("model", id).Err(err).Msg("manager")
		return err
	}
	m.publish("unload_done", id, nil)
	m.log.Info().Str("event", "unload_done").Str("model", id).Msg("manager")
	return nil
}

// MarkCorrupt unloads id and moves it to ERROR after a failure that left it
// unusable. It stays out of admission until Reset.
func (m *Manager) MarkCorrupt(ctx context.Context, id string, cause error) {
	mdl, err := m.Model(id)
	if err != nil {
		return
	}
	lock := m.locks[id]
	lock.Lock()
	defer lock.Unlock()

	g, placed := mdl.GPU()
	if err := mdl.Unload(ctx); err != nil {
		m.log.Warn().Str("event", "unload_error").Str("model", id).Err(err).Msg("manager")
	}
	if placed {
		m.tracker.Release(g, id)
		observeVRAM(m.tracker, g)
	}
	if cause == nil {
		cause = errors.New("model reported corruption")
	}
	mdl.MarkError(cause)
	m.publish("model_corrupt", id, map[string]any{"error": cause.Error()})
	m.log.Error().Str("event", "model_corrupt").Str("model", id).Err(cause).Msg("manager")
}

// Reset returns an ERROR model to UNLOADED so it can be admitted again.
func (m *Manager) Reset(id string) error {
	mdl, err := m.Model(id)
	if err != nil {
		return err
	}
	lock := m.locks[id]
	lock.Lock()
	defer lock.Unlock()
	if !mdl.Reset() {
		return apperr.Conflict("model %s is %s, not ERROR", id, mdl.Status())
	}
	m.publish("reset", id, nil)
	m.log.Info().Str("event", "reset").Str("model", id).Msg("manager")
	return nil
}

// Close unloads every model. Errors are logged and the first is returned.
func (m *Manager) Close(ctx context.Context) error {
	m.closed.Store(true)
	var first error
	for _, id := range m.order {
		if err := m.Unload(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}
