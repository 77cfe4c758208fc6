package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meshd/internal/config"
	"meshd/internal/jobs"
	"meshd/internal/manager"
	"meshd/internal/registry"
	"meshd/internal/runtime"
	"meshd/internal/scheduler"
	"meshd/pkg/types"
)

type stack struct {
	srv    *httptest.Server
	sched  *scheduler.Scheduler
	mesh   string
	outDir string
}

func newStack(t *testing.T) *stack {
	t.Helper()
	cfg := config.Defaults()
	cfg.GPUs = []config.GPU{{ID: 0, Name: "test", TotalVRAMMB: 8192}}
	cfg.Models = []config.Model{
		{ID: "retopo", FeatureType: "retopology", VRAMMB: 4096, Default: true},
		{ID: "rig", FeatureType: "rig", VRAMMB: 6144},
	}
	factory, err := runtime.NewFactory(runtime.Options{
		Mode:   runtime.ModeDryRun,
		DryRun: runtime.DryRunConfig{Latency: 20 * time.Millisecond, Steps: 2, Touch: true},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	cat, err := registry.Build(cfg, factory)
	if err != nil {
		t.Fatalf("registry.Build: %v", err)
	}
	recent := manager.NewRingPublisher(16)
	mgr, err := manager.New(manager.Config{Tracker: cat.Tracker, Models: cat.Models, Defaults: cat.Defaults, Logger: zerolog.Nop(), Publisher: recent})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	outDir := t.TempDir()
	sched := scheduler.New(scheduler.Config{Workers: 1, OutputDir: outDir, Logger: zerolog.Nop()}, mgr, jobs.NewStore())
	sched.Start()

	mesh := filepath.Join(t.TempDir(), "bunny.obj")
	if err := os.WriteFile(mesh, []byte("v 0 0 0\n"), 0o644); err != nil {
		t.Fatalf("write mesh: %v", err)
	}
	srv := httptest.NewServer(NewMux(Core{Scheduler: sched, Manager: mgr, Recent: recent}, Options{OutputDir: outDir}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
		_ = mgr.Close(ctx)
	})
	return &stack{srv: srv, sched: sched, mesh: mesh, outDir: outDir}
}

func (s *stack) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (s *stack) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(s.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *stack) waitStatus(t *testing.T, id string, want string) types.JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var st types.JobStatus
		s.getJSON(t, "/api/v1/system/jobs/"+id, &st)
		if st.Status == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s (want %s): %+v", id, st.Status, want, st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCore_SubmitPollResultDownload(t *testing.T) {
	s := newStack(t)
	resp := s.post(t, "/api/v1/retopology", `{"inputs":{"mesh_path":"`+s.mesh+`"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status=%d", resp.StatusCode)
	}
	var sub types.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil || sub.JobID == "" {
		t.Fatalf("sub=%+v err=%v", sub, err)
	}

	st := s.waitStatus(t, sub.JobID, "COMPLETED")
	if st.Progress != 100 || st.ModelID != "retopo" || st.FinishedAt == nil {
		t.Fatalf("status=%+v", st)
	}

	var res types.JobResult
	if code := s.getJSON(t, "/api/v1/system/jobs/"+sub.JobID+"/result", &res); code != http.StatusOK {
		t.Fatalf("result status=%d", code)
	}
	out, _ := res.Result["output_mesh_path"].(string)
	if !strings.HasPrefix(out, s.outDir) {
		t.Fatalf("artifact %q not under %s", out, s.outDir)
	}
	if code := s.getJSON(t, "/api/v1/system/jobs/"+sub.JobID+"/download", nil); code != http.StatusOK {
		t.Fatalf("download status=%d", code)
	}

	var models types.ModelsResponse
	s.getJSON(t, "/api/v1/system/models", &models)
	if len(models.Models) != 2 || models.Models[0].Status != "LOADED" || !models.Models[0].Default {
		t.Fatalf("models=%+v", models.Models)
	}
	var status types.StatusResponse
	s.getJSON(t, "/api/v1/system/status", &status)
	if status.Jobs["COMPLETED"] != 1 || status.GPUs[0].AllocatedVRAMBytes != 4096<<20 || status.Queue.Workers != 1 {
		t.Fatalf("status=%+v", status)
	}
}

func TestCore_ValidationAndUnknownJob(t *testing.T) {
	s := newStack(t)
	if resp := s.post(t, "/api/v1/retopology", `{"inputs":{}}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing mesh_path: status=%d", resp.StatusCode)
	}
	if resp := s.post(t, "/api/v1/jobs", `{"feature_type":"rig","model_preference":"ghost","inputs":{}}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown model: status=%d", resp.StatusCode)
	}
	// no default model for segmentation
	if resp := s.post(t, "/api/v1/segmentation", `{"inputs":{"mesh_path":"`+s.mesh+`"}}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("no model for feature: status=%d", resp.StatusCode)
	}
	if code := s.getJSON(t, "/api/v1/system/jobs/nope", nil); code != http.StatusNotFound {
		t.Fatalf("unknown job: status=%d", code)
	}
}

func TestCore_ModelAdminAndReady(t *testing.T) {
	s := newStack(t)
	if resp := s.post(t, "/api/v1/system/models/rig/load?gpu=0", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("load status=%d", resp.StatusCode)
	}
	// retopo does not fit next to rig; loading it evicts the idle rig model.
	resp := s.post(t, "/api/v1/system/models/retopo/load", "")
	var m types.Model
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil || m.Status != "LOADED" {
		t.Fatalf("model=%+v err=%v", m, err)
	}
	var models types.ModelsResponse
	s.getJSON(t, "/api/v1/system/models", &models)
	if models.Models[1].ID != "rig" || models.Models[1].Status != "UNLOADED" {
		t.Fatalf("rig should be evicted: %+v", models.Models[1])
	}
	var events types.EventsResponse
	s.getJSON(t, "/api/v1/system/events", &events)
	var evicted bool
	for _, e := range events.Events {
		if e.Name == "evict" && e.ModelID == "rig" {
			evicted = true
		}
	}
	if !evicted {
		t.Fatalf("no evict event for rig: %+v", events.Events)
	}
	if resp := s.post(t, "/api/v1/system/models/retopo/unload", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("unload status=%d", resp.StatusCode)
	}
	if resp := s.post(t, "/api/v1/system/models/retopo/load?gpu=3", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown gpu status=%d", resp.StatusCode)
	}
	if code := s.getJSON(t, "/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz=%d", code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.sched.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if code := s.getJSON(t, "/readyz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after shutdown=%d", code)
	}
}
