package manager

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"meshd/internal/apperr"
	"meshd/internal/gpu"
	"meshd/internal/model"
)

type Manager struct {
	tracker  *gpu.Tracker
	models   map[string]model.Model
	order    []string
	defaults map[model.FeatureType]string
	locks    map[string]*sync.Mutex

	attempts    int
	loadTimeout time.Duration
	closed      atomic.Bool
	log         zerolog.Logger
	pub         EventPublisher
	loads       singleflight.Group
}

// New validates cfg and builds a Manager. Every model must fit on at least
// one device and every default must name a model of the right feature.
func New(cfg Config) (*Manager, error) {
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("manager: tracker is required")
	}
	m := &Manager{
		tracker:     cfg.Tracker,
		models:      make(map[string]model.Model, len(cfg.Models)),
		defaults:    make(map[model.FeatureType]string),
		locks:       make(map[string]*sync.Mutex, len(cfg.Models)),
		attempts:    cfg.AcquireAttempts,
		loadTimeout: cfg.LoadTimeout,
		log:         cfg.Logger,
		pub:         cfg.Publisher,
	}
	if m.attempts <= 0 {
		m.attempts = defaultAcquireAttempts
	}
	if m.pub == nil {
		m.pub = noopPublisher{}
	}
	largest := cfg.Tracker.MaxVRAM()
	for _, mdl := range cfg.Models {
		id := mdl.ID()
		if _, dup := m.models[id]; dup {
			return nil, fmt.Errorf("manager: duplicate model id %q", id)
		}
		if mdl.VRAM() > largest {
			return nil, fmt.Errorf("manager: model %s needs %d bytes but the largest gpu has %d", id, mdl.VRAM(), largest)
		}
		m.models[id] = mdl
		m.order = append(m.order, id)
		m.locks[id] = &sync.Mutex{}
	}
	for f, id := range cfg.Defaults {
		mdl, ok := m.models[id]
		if !ok {
			return nil, fmt.Errorf("manager: default for %s names unknown model %q", f, id)
		}
		if mdl.Feature() != f {
			return nil, fmt.Errorf("manager: default for %s names %s model %q", f, mdl.Feature(), id)
		}
		m.defaults[f] = id
	}
	for _, d := range cfg.Tracker.Devices() {
		observeVRAM(cfg.Tracker, d.ID)
	}
	return m, nil
}

// SetEventPublisher installs an EventPublisher. Nil restores the default.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.pub = p
}

// Tracker exposes the GPU ledger for read-only reporting.
func (m *Manager) Tracker() *gpu.Tracker { return m.tracker }

// Model returns the model registered under id.
func (m *Manager) Model(id string) (model.Model, error) {
	mdl, ok := m.models[id]
	if !ok {
		return nil, apperr.NotFound("model not found: %s", id)
	}
	return mdl, nil
}

// Models returns registered models in configuration order.
func (m *Manager) Models() []model.Model {
	out := make([]model.Model, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.models[id])
	}
	return out
}

// Ready reports whether the registry can serve work: it is not closed and
// at least one model is not in ERROR.
func (m *Manager) Ready() bool {
	if m.closed.Load() {
		return false
	}
	for _, mdl := range m.models {
		if mdl.Status() != model.StatusError {
			return true
		}
	}
	return false
}

func (m *Manager) publish(name, id string, fields map[string]any) {
	m.pub.Publish(Event{Name: name, ModelID: id, Fields: fields})
}
