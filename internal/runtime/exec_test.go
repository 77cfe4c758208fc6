package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meshd/internal/apperr"
	"meshd/internal/model"
)

// helperConfig runs this test binary as a worker process in the given mode.
func helperConfig(mode string) ExecConfig {
	return ExecConfig{
		Bin:          os.Args[0],
		Args:         []string{"-test.run=TestHelperProcess", "--"},
		Env:          []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		ReadyTimeout: 5 * time.Second,
		StopTimeout:  500 * time.Millisecond,
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)
	mode := os.Getenv("HELPER_MODE")
	switch mode {
	case "exit":
		fmt.Fprintln(os.Stderr, "cuda init failed")
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
	}
	out := json.NewEncoder(os.Stdout)
	fmt.Println("loading weights")
	_ = out.Encode(map[string]any{"event": "ready"})
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var req request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		if req.Op == "cancel" {
			_ = out.Encode(message{Event: "error", ID: req.ID, Error: "cancelled"})
			continue
		}
		switch mode {
		case "ok":
			_ = out.Encode(message{Event: "progress", ID: req.ID, Progress: 50})
			_ = out.Encode(message{Event: "result", ID: req.ID, Outputs: model.Outputs{
				"gpu":      os.Getenv("CUDA_VISIBLE_DEVICES"),
				"model":    os.Getenv("MESHD_MODEL_ID"),
				"planned":  req.Planned["output_mesh_path"],
				"vertices": 42,
			}})
		case "fail":
			_ = out.Encode(message{Event: "error", ID: req.ID, Error: "non-manifold mesh"})
		case "corrupt":
			_ = out.Encode(message{Event: "error", ID: req.ID, Error: "cuda illegal address", Corrupt: true})
		case "crash":
			fmt.Fprintln(os.Stderr, "segfault")
			os.Exit(2)
		case "block":
			_ = out.Encode(message{Event: "progress", ID: req.ID, Progress: 10})
		}
	}
}

func newExec(t *testing.T, mode string) *Exec {
	t.Helper()
	e := NewExec(helperConfig(mode), zerolog.Nop())
	t.Cleanup(func() { _ = e.Release(context.Background()) })
	return e
}

func artifact() model.Artifact {
	return model.Artifact{ModelID: "retopo", Feature: model.FeatureRetopology, Path: "/w", GPU: 3}
}

func TestExec_RunRoundTrip(t *testing.T) {
	e := newExec(t, "ok")
	ctx := testCtx(t)
	if err := e.Materialize(ctx, artifact()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	// second materialize reuses the worker
	if err := e.Materialize(ctx, artifact()); err != nil {
		t.Fatalf("Materialize again: %v", err)
	}
	var mu sync.Mutex
	var seen []int
	out, err := e.Run(ctx, model.Request{ModelID: "retopo", Planned: model.Outputs{"output_mesh_path": "/o/a.obj"}}, func(p int) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out["gpu"] != "3" || out["model"] != "retopo" || out["planned"] != "/o/a.obj" {
		t.Fatalf("outputs=%+v", out)
	}
	if out["vertices"] != float64(42) {
		t.Fatalf("vertices=%v", out["vertices"])
	}
}

func TestExec_RunBeforeMaterialize(t *testing.T) {
	e := newExec(t, "ok")
	_, err := e.Run(testCtx(t), model.Request{ModelID: "x"}, func(int) {})
	if !apperr.IsNotLoaded(err) {
		t.Fatalf("expected not loaded, got %v", err)
	}
}

func TestExec_EarlyExitIncludesStderr(t *testing.T) {
	e := newExec(t, "exit")
	err := e.Materialize(testCtx(t), artifact())
	if err == nil || !strings.Contains(err.Error(), "cuda init failed") {
		t.Fatalf("expected early exit with stderr tail, got %v", err)
	}
}

func TestExec_ReadyTimeout(t *testing.T) {
	cfg := helperConfig("hang")
	cfg.ReadyTimeout = 200 * time.Millisecond
	e := NewExec(cfg, zerolog.Nop())
	err := e.Materialize(testCtx(t), artifact())
	if err == nil || !strings.Contains(err.Error(), "not ready") {
		t.Fatalf("expected ready timeout, got %v", err)
	}
}

func TestExec_ErrorEvents(t *testing.T) {
	cases := []struct {
		mode    string
		corrupt bool
	}{
		{"fail", false},
		{"corrupt", true},
		{"crash", true},
	}
	for _, c := range cases {
		e := newExec(t, c.mode)
		ctx := testCtx(t)
		if err := e.Materialize(ctx, artifact()); err != nil {
			t.Fatalf("%s: Materialize: %v", c.mode, err)
		}
		_, err := e.Run(ctx, model.Request{ModelID: "retopo"}, func(int) {})
		if !apperr.IsProcessing(err) {
			t.Fatalf("%s: expected processing error, got %v", c.mode, err)
		}
		if apperr.IsCorrupt(err) != c.corrupt {
			t.Fatalf("%s: corrupt=%v err=%v", c.mode, apperr.IsCorrupt(err), err)
		}
	}
}

func TestExec_CancelReturnsContextError(t *testing.T) {
	e := newExec(t, "block")
	if err := e.Materialize(testCtx(t), artifact()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	go func() {
		<-started
		cancel()
	}()
	_, err := e.Run(ctx, model.Request{ModelID: "retopo"}, func(int) {
		select {
		case started <- struct{}{}:
		default:
		}
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExec_ReleaseDuringRun(t *testing.T) {
	e := newExec(t, "block")
	if err := e.Materialize(testCtx(t), artifact()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	started := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), model.Request{ModelID: "retopo"}, func(int) {
			select {
			case started <- struct{}{}:
			default:
			}
		})
		errCh <- err
	}()
	<-started
	if err := e.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case err := <-errCh:
		if !apperr.IsProcessing(err) || apperr.IsCorrupt(err) {
			t.Fatalf("expected non-corrupt processing error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after Release")
	}
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}
