package manager

import (
	"context"
	"errors"
	"strconv"
	"time"

	"meshd/internal/apperr"
	"meshd/internal/model"
)

// NoPreference lets EnsureLoaded choose any device.
const NoPreference = -1

// EnsureLoaded makes model id resident and returns its device. With a
// preferred device only that device is tried; otherwise devices are tried in
// order of free VRAM. Capacity shortfalls surface as CapacityUnavailable so
// callers can retry later. Concurrent calls for one model share one load.
func (m *Manager) EnsureLoaded(ctx context.Context, id string, preferred int) (int, error) {
	mdl, err := m.Model(id)
	if err != nil {
		return 0, err
	}
	if g, ok := loadedOn(mdl); ok && (preferred == NoPreference || preferred == g) {
		return g, nil
	}
	if m.closed.Load() {
		return 0, apperr.NotReady("model registry is closed")
	}
	key := id + "@" + strconv.Itoa(preferred)
	ch := m.loads.DoChan(key, func() (any, error) {
		lctx, cancel := m.loadContext(ctx)
		defer cancel()
		return m.ensure(lctx, mdl, preferred)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return 0, r.Err
		}
		return r.Val.(int), nil
	case <-ctx.Done():
		// the shared load carries on for the other waiters
		return 0, ctx.Err()
	}
}

// loadContext detaches a load from the caller that started it: the load is
// shared by every concurrent caller and must not fail because one of them
// gave up.
func (m *Manager) loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if m.loadTimeout > 0 {
		return context.WithTimeout(ctx, m.loadTimeout)
	}
	return context.WithCancel(ctx)
}

// LoadOn loads id on a specific device. It fails with Conflict when the
// model is resident elsewhere.
func (m *Manager) LoadOn(ctx context.Context, id string, gpu int) error {
	_, err := m.EnsureLoaded(ctx, id, gpu)
	return err
}

func loadedOn(mdl model.Model) (int, bool) {
	if mdl.Status() != model.StatusLoaded {
		return 0, false
	}
	return mdl.GPU()
}

func (m *Manager) ensure(ctx context.Context, mdl model.Model, preferred int) (int, error) {
	id := mdl.ID()
	lock := m.locks[id]
	lock.Lock()
	defer lock.Unlock()

	switch mdl.Status() {
	case model.StatusLoaded:
		g, _ := mdl.GPU()
		if preferred != NoPreference && preferred != g {
			return 0, apperr.Conflict("model %s is loaded on gpu %d; unload before moving to gpu %d", id, g, preferred)
		}
		return g, nil
	case model.StatusError:
		return 0, apperr.Load(id, errors.New("model is in error state: "+mdl.LastError()))
	case model.StatusLoading, model.StatusUnloading:
		return 0, apperr.CapacityUnavailable(id)
	}

	gpus := m.tracker.ByFreeVRAM()
	if preferred != NoPreference {
		gpus = []int{preferred}
	}
	for _, g := range gpus {
		err := m.admit(ctx, g, mdl)
		if err == nil {
			return g, m.load(ctx, g, mdl)
		}
		if !apperr.IsTransient(err) {
			return 0, err
		}
		m.log.Debug().Str("event", "admit_miss").Str("model", id).Int("gpu", g).Err(err).Msg("manager")
	}
	return 0, apperr.CapacityUnavailable(id)
}

// load runs Model.Load on a device the caller already reserved. The
// reservation's loader pin is dropped on return.
func (m *Manager) load(ctx context.Context, g int, mdl model.Model) error {
	id := mdl.ID()
	m.publish("load_start", id, map[string]any{"gpu": g, "vram": mdl.VRAM()})
	m.log.Info().Str("event", "load_start").Str("model", id).Int("gpu", g).Int64("vram", mdl.VRAM()).Msg("manager")
	start := time.Now()
	err := mdl.Load(ctx, g)
	loadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.tracker.Release(g, id)
		observeVRAM(m.tracker, g)
		loadsTotal.WithLabelValues(id, "error").Inc()
		m.publish("load_error", id, map[string]any{"gpu": g, "error": err.Error()})
		m.log.Error().Str("event", "load_error").Str("model", id).Int("gpu", g).Err(err).Msg("manager")
		return err
	}
	m.tracker.Unpin(g, id)
	loadsTotal.WithLabelValues(id, "ok").Inc()
	m.publish("load_ready", id, map[string]any{"gpu": g, "duration_ms": time.Since(start).Milliseconds()})
	m.log.Info().Str("event", "load_ready").Str("model", id).Int("gpu", g).Dur("dur", time.Since(start)).Msg("manager")
	return nil
}
