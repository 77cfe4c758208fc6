package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

const yamlConfig = `
addr: ":9999"
workers: 3
queue:
  backoff_initial: 250ms
  job_deadline: 10m
store:
  backend: sqlite
  sqlite: {path: /var/lib/meshd/jobs.db}
gpus:
  - {id: 0, name: rtx-4090, total_vram_mb: 24576}
models:
  - id: uv-default
    feature_type: uv-unwrap
    path: /weights/uv
    vram_mb: 4096
    default: true
    options: {distortion_threshold: 1.5, pack_method: uvpackmaster}
`

func checkLoaded(t *testing.T, cfg Config) {
	t.Helper()
	if cfg.Addr != ":9999" || cfg.Workers != 3 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Queue.BackoffInitial.Std() != 250*time.Millisecond || cfg.Queue.JobDeadline.Std() != 10*time.Minute {
		t.Fatalf("durations: %+v", cfg.Queue)
	}
	// untouched keys keep defaults
	if cfg.Queue.BackoffMax.Std() != 30*time.Second || cfg.Queue.MaxDepth != 1024 || cfg.Log.Level != "info" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLite.Path != "/var/lib/meshd/jobs.db" {
		t.Fatalf("store: %+v", cfg.Store)
	}
	if len(cfg.GPUs) != 1 || cfg.GPUs[0].TotalVRAMMB != 24576 || cfg.GPUs[0].Name != "rtx-4090" {
		t.Fatalf("gpus: %+v", cfg.GPUs)
	}
	if len(cfg.Models) != 1 || !cfg.Models[0].Default || cfg.Models[0].Options["pack_method"] != "uvpackmaster" {
		t.Fatalf("models: %+v", cfg.Models)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.yaml", yamlConfig)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkLoaded(t, cfg)
}

func TestLoadJSON(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.json", `{
		"addr": ":9999",
		"workers": 3,
		"queue": {"backoff_initial": "250ms", "job_deadline": "10m"},
		"store": {"backend": "sqlite", "sqlite": {"path": "/var/lib/meshd/jobs.db"}},
		"gpus": [{"id": 0, "name": "rtx-4090", "total_vram_mb": 24576}],
		"models": [{"id": "uv-default", "feature_type": "uv-unwrap", "path": "/weights/uv", "vram_mb": 4096,
			"default": true, "options": {"distortion_threshold": 1.5, "pack_method": "uvpackmaster"}}]
	}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkLoaded(t, cfg)
}

func TestLoadTOML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.toml", `
addr = ":9999"
workers = 3

[queue]
backoff_initial = "250ms"
job_deadline = "10m"

[store]
backend = "sqlite"
sqlite = { path = "/var/lib/meshd/jobs.db" }

[[gpus]]
id = 0
name = "rtx-4090"
total_vram_mb = 24576

[[models]]
id = "uv-default"
feature_type = "uv-unwrap"
path = "/weights/uv"
vram_mb = 4096
default = true
options = { distortion_threshold = 1.5, pack_method = "uvpackmaster" }
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkLoaded(t, cfg)
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	d := t.TempDir()
	cases := map[string]string{
		"cfg.txt":      "not supported",
		"bad.yaml":     "addr: :8080\n: broken\n",
		"bad.json":     `{ "addr": ":8080", "workers": }`,
		"bad.toml":     "addr=:8080\nworkers\n",
		"unknown.yaml": "adr: :8080\n",
		"dur.yaml":     "queue: {backoff_max: soon}\n",
	}
	for name, content := range cases {
		if _, err := Load(writeTempFile(t, d, name, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadEmptyYAMLKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeTempFile(t, t.TempDir(), "empty.yaml", ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != Defaults().Addr || cfg.Runtime.Mode != "dryrun" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MESHD_ADDR":          ":1234",
		"MESHD_WORKERS":       "8",
		"MESHD_STORE_BACKEND": "redis",
		"MESHD_REDIS_ADDR":    "localhost:6379",
	}
	cfg := Defaults()
	if err := cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Addr != ":1234" || cfg.Workers != 8 || cfg.Store.Backend != "redis" || cfg.Store.Redis.Addr != "localhost:6379" {
		t.Fatalf("cfg=%+v", cfg)
	}
	env["MESHD_WORKERS"] = "many"
	if err := cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err == nil || !strings.Contains(err.Error(), "MESHD_WORKERS") {
		t.Fatalf("expected WORKERS error, got %v", err)
	}
}

func TestDurationText(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	b, _ := d.MarshalText()
	var back Duration
	if err := back.UnmarshalText(b); err != nil || back != d {
		t.Fatalf("got %v err=%v", back, err)
	}
}
