package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meshd/internal/apperr"
)

// base implements the lifecycle shared by every variant. The variant only
// contributes input validation and output planning.
type base struct {
	spec    Spec
	formats Formats
	v       variant
	backend Backend

	mu      sync.Mutex
	status  Status
	gpu     int
	onGPU   bool
	lastErr string
}

// Build constructs a model for spec.Feature using the variant table.
func Build(spec Spec, backend Backend) (Model, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("model id is required")
	}
	if spec.VRAM <= 0 {
		return nil, fmt.Errorf("model %s: vram requirement must be positive", spec.ID)
	}
	if backend == nil {
		return nil, fmt.Errorf("model %s: backend is required", spec.ID)
	}
	ctor, ok := variants[spec.Feature]
	if !ok {
		return nil, fmt.Errorf("model %s: unknown feature type %q", spec.ID, spec.Feature)
	}
	v, err := ctor(spec.Options)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", spec.ID, err)
	}
	def := v.defaultFormats()
	f := Formats{Input: normalizeFormats(spec.InputFormats), Output: normalizeFormats(spec.OutputFormats)}
	if len(f.Input) == 0 {
		f.Input = def.Input
	}
	if len(f.Output) == 0 {
		f.Output = def.Output
	}
	if spec.MaxConcurrency <= 0 {
		spec.MaxConcurrency = 1
	}
	return &base{spec: spec, formats: f, v: v, backend: backend, status: StatusUnloaded}, nil
}

func (m *base) ID() string           { return m.spec.ID }
func (m *base) Feature() FeatureType { return m.spec.Feature }
func (m *base) VRAM() int64          { return m.spec.VRAM }
func (m *base) Concurrency() int     { return m.spec.MaxConcurrency }

func (m *base) SupportedFormats() Formats {
	return Formats{
		Input:  append([]string(nil), m.formats.Input...),
		Output: append([]string(nil), m.formats.Output...),
	}
}

func (m *base) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *base) GPU() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gpu, m.onGPU
}

func (m *base) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *base) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := Info{
		ID:             m.spec.ID,
		Feature:        m.spec.Feature,
		Path:           m.spec.Path,
		VRAM:           m.spec.VRAM,
		Status:         m.status,
		Formats:        m.SupportedFormats(),
		MaxConcurrency: m.spec.MaxConcurrency,
		Options:        m.spec.Options,
		LastError:      m.lastErr,
	}
	if m.onGPU {
		g := m.gpu
		info.GPU = &g
	}
	return info
}

func (m *base) Load(ctx context.Context, gpu int) error {
	m.mu.Lock()
	switch m.status {
	case StatusLoaded:
		cur := m.gpu
		m.mu.Unlock()
		if cur == gpu {
			return nil
		}
		return apperr.Conflict("model %s is loaded on gpu %d; unload before moving to gpu %d", m.spec.ID, cur, gpu)
	case StatusLoading, StatusUnloading:
		st := m.status
		m.mu.Unlock()
		return apperr.Conflict("model %s is %s", m.spec.ID, st)
	}
	m.status = StatusLoading
	m.gpu, m.onGPU = gpu, true
	m.mu.Unlock()

	err := m.backend.Materialize(ctx, Artifact{
		ModelID: m.spec.ID,
		Feature: m.spec.Feature,
		Path:    m.spec.Path,
		GPU:     gpu,
		Options: m.spec.Options,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.onGPU = false
		m.lastErr = err.Error()
		if ctx.Err() != nil {
			// an abandoned load says nothing about the artifact
			m.status = StatusUnloaded
			return apperr.Timeout("load %s interrupted: %v", m.spec.ID, ctx.Err())
		}
		m.status = StatusError
		return apperr.Load(m.spec.ID, err)
	}
	m.status = StatusLoaded
	m.lastErr = ""
	return nil
}

func (m *base) Unload(ctx context.Context) error {
	m.mu.Lock()
	switch m.status {
	case StatusUnloaded, StatusError:
		m.mu.Unlock()
		return nil
	case StatusLoading, StatusUnloading:
		st := m.status
		m.mu.Unlock()
		return apperr.Conflict("model %s is %s", m.spec.ID, st)
	}
	m.status = StatusUnloading
	m.mu.Unlock()

	err := m.backend.Release(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusUnloaded
	m.onGPU = false
	if err != nil {
		m.lastErr = err.Error()
		return fmt.Errorf("unload %s: %w", m.spec.ID, err)
	}
	return nil
}

func (m *base) MarkError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusError
	m.onGPU = false
	if err != nil {
		m.lastErr = err.Error()
	}
}

func (m *base) Reset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusError {
		return false
	}
	m.status = StatusUnloaded
	m.lastErr = ""
	return true
}

func (m *base) Validate(in Inputs) error {
	_, err := m.prepare(in)
	return err
}

func (m *base) prepare(in Inputs) (Inputs, error) {
	if in == nil {
		in = Inputs{}
	}
	norm := make(Inputs, len(in)+2)
	for k, v := range in {
		norm[k] = v
	}
	f, err := outputFormat(norm, m.formats.Output)
	if err != nil {
		return nil, err
	}
	norm["output_format"] = f
	if err := m.v.validate(norm, m.formats); err != nil {
		return nil, err
	}
	return norm, nil
}

func (m *base) Process(ctx context.Context, in Inputs, progress ProgressFunc) (Outputs, error) {
	if m.Status() != StatusLoaded {
		return nil, apperr.NotLoaded(m.spec.ID)
	}
	norm, err := m.prepare(in)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(int) {}
	}
	planned := m.v.plan(norm)
	got, err := m.backend.Run(ctx, Request{ModelID: m.spec.ID, Feature: m.spec.Feature, Inputs: norm, Planned: planned}, progress)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.Processing(err, false)
	}
	out := make(Outputs, len(planned)+len(got))
	for k, v := range planned {
		out[k] = v
	}
	for k, v := range got {
		out[k] = v
	}
	return out, nil
}
