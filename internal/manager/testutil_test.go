package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meshd/internal/gpu"
	"meshd/internal/model"
)

// fakeBackend counts lifecycle calls and can fail or slow down loads.
type fakeBackend struct {
	loadErr      error
	loadDelay    time.Duration
	materialized atomic.Int32
	released     atomic.Int32
}

func (f *fakeBackend) Materialize(ctx context.Context, a model.Artifact) error {
	if f.loadDelay > 0 {
		select {
		case <-time.After(f.loadDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.materialized.Add(1)
	return f.loadErr
}

func (f *fakeBackend) Release(ctx context.Context) error {
	f.released.Add(1)
	return nil
}

func (f *fakeBackend) Run(ctx context.Context, req model.Request, progress model.ProgressFunc) (model.Outputs, error) {
	return model.Outputs{}, nil
}

type fixture struct {
	m        *Manager
	tracker  *gpu.Tracker
	pub      *MemoryPublisher
	backends map[string]*fakeBackend
}

type modelDef struct {
	id      string
	feature model.FeatureType
	vram    int64
	backend *fakeBackend
}

func newFixture(t *testing.T, totals []int64, defs ...modelDef) *fixture {
	t.Helper()
	devs := make([]gpu.Device, len(totals))
	for i, v := range totals {
		devs[i] = gpu.Device{ID: i, Name: "test", TotalVRAM: v}
	}
	tr, err := gpu.NewTracker(devs)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	f := &fixture{tracker: tr, pub: NewMemoryPublisher(), backends: map[string]*fakeBackend{}}
	var models []model.Model
	for _, d := range defs {
		if d.feature == "" {
			d.feature = model.FeatureRetopology
		}
		if d.backend == nil {
			d.backend = &fakeBackend{}
		}
		mdl, err := model.Build(model.Spec{ID: d.id, Feature: d.feature, VRAM: d.vram}, d.backend)
		if err != nil {
			t.Fatalf("Build %s: %v", d.id, err)
		}
		f.backends[d.id] = d.backend
		models = append(models, mdl)
	}
	f.m, err = New(Config{Tracker: tr, Models: models, Publisher: f.pub, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) status(t *testing.T, id string) model.Status {
	t.Helper()
	mdl, err := f.m.Model(id)
	if err != nil {
		t.Fatalf("Model %s: %v", id, err)
	}
	return mdl.Status()
}

func (f *fixture) allocated(gpuID int) int64 {
	for _, s := range f.tracker.Snapshot() {
		if s.ID == gpuID {
			return s.Allocated
		}
	}
	return -1
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

// runConcurrently starts n copies of fn and waits for all of them.
func runConcurrently(n int, fn func(i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fn(i)
		}(i)
	}
	wg.Wait()
}
