package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meshd/internal/apperr"
	"meshd/internal/gpu"
	"meshd/internal/model"
)

func TestNew_RejectsOversizedModel(t *testing.T) {
	tr, _ := gpu.NewTracker([]gpu.Device{{ID: 0, TotalVRAM: 100}})
	mdl, _ := model.Build(model.Spec{ID: "big", Feature: model.FeatureRig, VRAM: 101}, &fakeBackend{})
	if _, err := New(Config{Tracker: tr, Models: []model.Model{mdl}}); err == nil {
		t.Fatalf("expected error for model larger than any gpu")
	}
}

func TestNew_ValidatesDefaults(t *testing.T) {
	tr, _ := gpu.NewTracker([]gpu.Device{{ID: 0, TotalVRAM: 100}})
	mdl, _ := model.Build(model.Spec{ID: "r", Feature: model.FeatureRig, VRAM: 10}, &fakeBackend{})
	if _, err := New(Config{Tracker: tr, Models: []model.Model{mdl}, Defaults: map[model.FeatureType]string{model.FeatureRig: "nope"}}); err == nil {
		t.Fatalf("expected error for unknown default")
	}
	if _, err := New(Config{Tracker: tr, Models: []model.Model{mdl}, Defaults: map[model.FeatureType]string{model.FeatureUVUnwrap: "r"}}); err == nil {
		t.Fatalf("expected error for default of wrong feature")
	}
	if _, err := New(Config{Tracker: tr, Models: []model.Model{mdl, mdl}}); err == nil {
		t.Fatalf("expected error for duplicate ids")
	}
	if _, err := New(Config{Models: []model.Model{mdl}}); err == nil {
		t.Fatalf("expected error without tracker")
	}
}

func TestEnsureLoaded_EvictsIdleWhenBusyModelFinishes(t *testing.T) {
	f := newFixture(t, []int64{6144},
		modelDef{id: "a", vram: 4096},
		modelDef{id: "b", vram: 4096},
	)
	ctx := testCtx(t)
	lease, err := f.m.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	if got := f.allocated(0); got != 4096 {
		t.Fatalf("allocated=%d", got)
	}
	// a is busy: no candidate, b must wait
	if _, err := f.m.EnsureLoaded(ctx, "b", NoPreference); !apperr.IsCapacityUnavailable(err) {
		t.Fatalf("expected capacity unavailable, got %v", err)
	}
	if f.status(t, "a") != model.StatusLoaded {
		t.Fatalf("busy model was disturbed")
	}
	lease.Release()
	lease.Release()
	g, err := f.m.EnsureLoaded(ctx, "b", NoPreference)
	if err != nil {
		t.Fatalf("EnsureLoaded b: %v", err)
	}
	if g != 0 || f.allocated(0) != 4096 {
		t.Fatalf("gpu=%d allocated=%d", g, f.allocated(0))
	}
	if f.status(t, "a") != model.StatusUnloaded || f.status(t, "b") != model.StatusLoaded {
		t.Fatalf("a=%s b=%s", f.status(t, "a"), f.status(t, "b"))
	}
	names := f.pub.Names("a")
	if names[len(names)-1] != "evict" {
		t.Fatalf("expected evict event for a, got %v", names)
	}
}

func TestEnsureLoaded_EvictsLeastRecentlyUsed(t *testing.T) {
	f := newFixture(t, []int64{200},
		modelDef{id: "a", vram: 100},
		modelDef{id: "b", vram: 100},
		modelDef{id: "c", vram: 100},
	)
	ctx := testCtx(t)
	for _, id := range []string{"a", "b"} {
		if _, err := f.m.EnsureLoaded(ctx, id, NoPreference); err != nil {
			t.Fatalf("EnsureLoaded %s: %v", id, err)
		}
	}
	// use a so b is least recently used
	lease, err := f.m.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()
	if _, err := f.m.EnsureLoaded(ctx, "c", NoPreference); err != nil {
		t.Fatalf("EnsureLoaded c: %v", err)
	}
	if f.status(t, "b") != model.StatusUnloaded || f.status(t, "a") != model.StatusLoaded {
		t.Fatalf("a=%s b=%s", f.status(t, "a"), f.status(t, "b"))
	}
	if f.allocated(0) != 200 {
		t.Fatalf("allocated=%d", f.allocated(0))
	}
}

func TestEnsureLoaded_PrefersDeviceWithMostFreeVRAM(t *testing.T) {
	f := newFixture(t, []int64{100, 300},
		modelDef{id: "a", vram: 100},
		modelDef{id: "b", vram: 100},
	)
	ctx := testCtx(t)
	g, err := f.m.EnsureLoaded(ctx, "a", NoPreference)
	if err != nil || g != 1 {
		t.Fatalf("a: gpu=%d err=%v", g, err)
	}
	g, err = f.m.EnsureLoaded(ctx, "b", NoPreference)
	if err != nil || g != 1 {
		t.Fatalf("b: gpu=%d err=%v", g, err)
	}
}

func TestLoadOn_ConflictAndUnknownGPU(t *testing.T) {
	f := newFixture(t, []int64{100, 100}, modelDef{id: "a", vram: 50})
	ctx := testCtx(t)
	if err := f.m.LoadOn(ctx, "a", 1); err != nil {
		t.Fatalf("LoadOn: %v", err)
	}
	if err := f.m.LoadOn(ctx, "a", 1); err != nil {
		t.Fatalf("LoadOn same gpu: %v", err)
	}
	if err := f.m.LoadOn(ctx, "a", 0); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := f.m.Unload(ctx, "a"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if err := f.m.LoadOn(ctx, "a", 9); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadError_MovesToErrorUntilReset(t *testing.T) {
	be := &fakeBackend{loadErr: errors.New("checkpoint truncated")}
	f := newFixture(t, []int64{100}, modelDef{id: "a", vram: 60, backend: be})
	ctx := testCtx(t)
	if _, err := f.m.EnsureLoaded(ctx, "a", NoPreference); !apperr.IsLoad(err) {
		t.Fatalf("expected load error, got %v", err)
	}
	if f.status(t, "a") != model.StatusError || f.allocated(0) != 0 {
		t.Fatalf("status=%s allocated=%d", f.status(t, "a"), f.allocated(0))
	}
	if _, err := f.m.EnsureLoaded(ctx, "a", NoPreference); !apperr.IsLoad(err) {
		t.Fatalf("expected load error while in ERROR, got %v", err)
	}
	if be.materialized.Load() != 1 {
		t.Fatalf("ERROR model was retried without reset")
	}
	be.loadErr = nil
	if err := f.m.Reset("a"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := f.m.Reset("a"); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict on second reset, got %v", err)
	}
	if _, err := f.m.EnsureLoaded(ctx, "a", NoPreference); err != nil {
		t.Fatalf("EnsureLoaded after reset: %v", err)
	}
}

func TestUnload_WithLeaseHeld(t *testing.T) {
	f := newFixture(t, []int64{100}, modelDef{id: "a", vram: 60})
	ctx := testCtx(t)
	lease, err := f.m.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := f.m.Unload(ctx, "a"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if f.allocated(0) != 0 || f.status(t, "a") != model.StatusUnloaded {
		t.Fatalf("allocated=%d status=%s", f.allocated(0), f.status(t, "a"))
	}
	lease.Release()
	if err := f.m.Unload(ctx, "a"); err != nil {
		t.Fatalf("second Unload: %v", err)
	}
	if f.backends["a"].released.Load() != 1 {
		t.Fatalf("backend released %d times", f.backends["a"].released.Load())
	}
}

func TestMarkCorrupt(t *testing.T) {
	f := newFixture(t, []int64{100}, modelDef{id: "a", vram: 60})
	ctx := testCtx(t)
	if _, err := f.m.EnsureLoaded(ctx, "a", NoPreference); err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}
	f.m.MarkCorrupt(ctx, "a", errors.New("cuda illegal address"))
	if f.status(t, "a") != model.StatusError || f.allocated(0) != 0 {
		t.Fatalf("status=%s allocated=%d", f.status(t, "a"), f.allocated(0))
	}
	if f.m.Ready() {
		t.Fatalf("registry with only an ERROR model reported ready")
	}
}

func TestEnsureLoaded_ConcurrentCallsLoadOnce(t *testing.T) {
	be := &fakeBackend{loadDelay: 50_000_000}
	f := newFixture(t, []int64{100}, modelDef{id: "a", vram: 60, backend: be})
	ctx := testCtx(t)
	errs := make([]error, 8)
	runConcurrently(8, func(i int) {
		_, errs[i] = f.m.EnsureLoaded(ctx, "a", NoPreference)
	})
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if n := be.materialized.Load(); n != 1 {
		t.Fatalf("materialized %d times", n)
	}
	if f.allocated(0) != 60 {
		t.Fatalf("allocated=%d", f.allocated(0))
	}
}

func TestResolve(t *testing.T) {
	f := newFixture(t, []int64{100},
		modelDef{id: "r1", vram: 10},
		modelDef{id: "r2", vram: 10},
		modelDef{id: "uv", feature: model.FeatureUVUnwrap, vram: 10},
	)
	mdl, err := f.m.Resolve(model.FeatureRetopology, "")
	if err != nil || mdl.ID() != "r1" {
		t.Fatalf("default: %v %v", mdl, err)
	}
	mdl, err = f.m.Resolve(model.FeatureRetopology, "r2")
	if err != nil || mdl.ID() != "r2" {
		t.Fatalf("preference: %v %v", mdl, err)
	}
	if _, err := f.m.Resolve(model.FeatureRetopology, "uv"); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.m.Resolve(model.FeatureRetopology, "ghost"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.m.Resolve(model.FeatureRig, ""); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found for unserved feature, got %v", err)
	}
}

func TestResolve_ConfiguredDefault(t *testing.T) {
	tr, _ := gpu.NewTracker([]gpu.Device{{ID: 0, TotalVRAM: 100}})
	r1, _ := model.Build(model.Spec{ID: "r1", Feature: model.FeatureRetopology, VRAM: 10}, &fakeBackend{})
	r2, _ := model.Build(model.Spec{ID: "r2", Feature: model.FeatureRetopology, VRAM: 10}, &fakeBackend{})
	m, err := New(Config{Tracker: tr, Models: []model.Model{r1, r2}, Defaults: map[model.FeatureType]string{model.FeatureRetopology: "r2"}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mdl, _ := m.Resolve(model.FeatureRetopology, "")
	if mdl.ID() != "r2" {
		t.Fatalf("default=%s", mdl.ID())
	}
	models := m.ListModels()
	if models[0].Default || !models[1].Default {
		t.Fatalf("default flags wrong: %+v", models)
	}
}

func TestEventPublisher_LoadAndUnload(t *testing.T) {
	f := newFixture(t, []int64{100}, modelDef{id: "a", vram: 10})
	ctx := testCtx(t)
	if _, err := f.m.EnsureLoaded(ctx, "a", NoPreference); err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}
	if err := f.m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := []string{"load_start", "load_ready", "unload_start", "unload_done"}
	got := f.pub.Names("a")
	if len(got) != len(want) {
		t.Fatalf("events=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v want %v", got, want)
		}
	}
}

func TestStatusViews(t *testing.T) {
	f := newFixture(t, []int64{100}, modelDef{id: "a", vram: 40})
	lease, err := f.m.Acquire(testCtx(t), "a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()
	gpus := f.m.GPUs()
	if len(gpus) != 1 || gpus[0].AllocatedVRAMBytes != 40 || gpus[0].FreeVRAMBytes != 60 {
		t.Fatalf("gpus=%+v", gpus)
	}
	if len(gpus[0].Residents) != 1 || gpus[0].Residents[0].InFlight != 1 {
		t.Fatalf("residents=%+v", gpus[0].Residents)
	}
	models := f.m.ListModels()
	if models[0].Status != "LOADED" || models[0].GPU == nil || !models[0].Default {
		t.Fatalf("models=%+v", models)
	}
}

func TestSanityCheck(t *testing.T) {
	f := newFixture(t, []int64{100}, modelDef{id: "a", vram: 40})
	r := f.m.SanityCheck()
	if r.OK || len(r.Models) != 1 || r.Models[0].Error == "" {
		t.Fatalf("report=%+v", r)
	}
	if len(r.Features) != 5 {
		t.Fatalf("features without model=%v", r.Features)
	}
}

func TestRingPublisher(t *testing.T) {
	p := NewRingPublisher(2)
	Fanout{p}.Publish(Event{Name: "a"})
	p.Publish(Event{Name: "b"})
	p.Publish(Event{Name: "c"})
	ev := p.Events()
	if len(ev) != 2 || ev[0].Name != "b" || ev[1].Name != "c" {
		t.Fatalf("events=%+v", ev)
	}
}

func TestLease_StaleAfterReload(t *testing.T) {
	f := newFixture(t, []int64{100}, modelDef{id: "a", vram: 60})
	ctx := testCtx(t)
	stale, err := f.m.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := f.m.Unload(ctx, "a"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if _, err := f.m.EnsureLoaded(ctx, "a", NoPreference); err != nil {
		t.Fatalf("reload: %v", err)
	}
	stale.Release()
	gpus := f.m.GPUs()
	if gpus[0].Residents[0].InFlight != 0 {
		t.Fatalf("stale lease touched new residency: %+v", gpus[0].Residents)
	}
}

// A caller giving up must not fail the load other callers are waiting on.
func TestEnsureLoaded_CallerGivesUpSharedLoadContinues(t *testing.T) {
	be := &fakeBackend{loadDelay: 200 * time.Millisecond}
	f := newFixture(t, []int64{100}, modelDef{id: "a", vram: 10, backend: be})

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	errA := make(chan error, 1)
	go func() {
		_, err := f.m.EnsureLoaded(short, "a", NoPreference)
		errA <- err
	}()
	time.Sleep(10 * time.Millisecond)

	g, err := f.m.EnsureLoaded(testCtx(t), "a", NoPreference)
	if err != nil || g != 0 {
		t.Fatalf("waiting caller: gpu=%d err=%v", g, err)
	}
	if err := <-errA; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("impatient caller: %v", err)
	}
	if st := f.status(t, "a"); st != model.StatusLoaded {
		t.Fatalf("status=%s", st)
	}
	if n := be.materialized.Load(); n != 1 {
		t.Fatalf("materialized %d times", n)
	}
}

func TestEnsureLoaded_LoadTimeoutLeavesModelUnloaded(t *testing.T) {
	be := &fakeBackend{loadDelay: time.Second}
	f := newFixture(t, []int64{100}, modelDef{id: "a", vram: 10, backend: be})
	f.m.loadTimeout = 30 * time.Millisecond

	_, err := f.m.EnsureLoaded(testCtx(t), "a", NoPreference)
	if !apperr.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if st := f.status(t, "a"); st != model.StatusUnloaded {
		t.Fatalf("interrupted load should leave UNLOADED, got %s", st)
	}
	if got := f.allocated(0); got != 0 {
		t.Fatalf("reservation leaked: %d", got)
	}

	be.loadDelay = 0
	if _, err := f.m.EnsureLoaded(testCtx(t), "a", NoPreference); err != nil {
		t.Fatalf("retry without Reset: %v", err)
	}
}

func TestClose_StopsReadiness(t *testing.T) {
	f := newFixture(t, []int64{100}, modelDef{id: "a", vram: 10})
	if !f.m.Ready() {
		t.Fatalf("fresh manager not ready")
	}
	if err := f.m.Close(testCtx(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.m.Ready() {
		t.Fatalf("closed manager reports ready")
	}
	if _, err := f.m.EnsureLoaded(testCtx(t), "a", NoPreference); !apperr.IsNotReady(err) {
		t.Fatalf("expected NotReady after Close, got %v", err)
	}
}
