package config

import (
	"fmt"
	"time"
)

// Config holds runtime parameters for the service. Load starts from
// Defaults, so a file only needs the keys it changes.
type Config struct {
	Addr      string  `json:"addr" yaml:"addr" toml:"addr"`
	Log       Log     `json:"log" yaml:"log" toml:"log"`
	Workers   int     `json:"workers" yaml:"workers" toml:"workers"`
	OutputDir string  `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	Queue     Queue   `json:"queue" yaml:"queue" toml:"queue"`
	Store     Store   `json:"store" yaml:"store" toml:"store"`
	Runtime   Runtime `json:"runtime" yaml:"runtime" toml:"runtime"`
	HTTP      HTTP    `json:"http" yaml:"http" toml:"http"`
	GPUs      []GPU   `json:"gpus" yaml:"gpus" toml:"gpus"`
	Models    []Model `json:"models" yaml:"models" toml:"models"`
}

type Log struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

type Queue struct {
	MaxDepth        int      `json:"max_depth" yaml:"max_depth" toml:"max_depth"`
	BackoffInitial  Duration `json:"backoff_initial" yaml:"backoff_initial" toml:"backoff_initial"`
	BackoffMax      Duration `json:"backoff_max" yaml:"backoff_max" toml:"backoff_max"`
	JobDeadline     Duration `json:"job_deadline" yaml:"job_deadline" toml:"job_deadline"`
	Retention       Duration `json:"retention" yaml:"retention" toml:"retention"`
	JanitorInterval Duration `json:"janitor_interval" yaml:"janitor_interval" toml:"janitor_interval"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// Store selects where job records live: memory, redis or sqlite.
type Store struct {
	Backend string `json:"backend" yaml:"backend" toml:"backend"`
	Redis   Redis  `json:"redis" yaml:"redis" toml:"redis"`
	SQLite  SQLite `json:"sqlite" yaml:"sqlite" toml:"sqlite"`
}

type Redis struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	Password  string `json:"password" yaml:"password" toml:"password"`
	DB        int    `json:"db" yaml:"db" toml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" toml:"key_prefix"`
}

type SQLite struct {
	Path string `json:"path" yaml:"path" toml:"path"`
}

// Runtime selects how models execute: dryrun simulates, exec runs a worker
// process per loaded model.
type Runtime struct {
	Mode   string `json:"mode" yaml:"mode" toml:"mode"`
	DryRun DryRun `json:"dryrun" yaml:"dryrun" toml:"dryrun"`
	Exec   Exec   `json:"exec" yaml:"exec" toml:"exec"`
	// LoadTimeout bounds one model load. Zero means no bound.
	LoadTimeout Duration `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout"`
}

type DryRun struct {
	Latency      Duration `json:"latency" yaml:"latency" toml:"latency"`
	Steps        int      `json:"steps" yaml:"steps" toml:"steps"`
	CheckWeights bool     `json:"check_weights" yaml:"check_weights" toml:"check_weights"`
	TouchOutputs bool     `json:"touch_outputs" yaml:"touch_outputs" toml:"touch_outputs"`
}

type Exec struct {
	Bin          string   `json:"bin" yaml:"bin" toml:"bin"`
	Args         []string `json:"args" yaml:"args" toml:"args"`
	Env          []string `json:"env" yaml:"env" toml:"env"`
	ReadyTimeout Duration `json:"ready_timeout" yaml:"ready_timeout" toml:"ready_timeout"`
}

type HTTP struct {
	MaxBodyBytes int64   `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	SubmitRPS    float64 `json:"submit_rps" yaml:"submit_rps" toml:"submit_rps"`
	SubmitBurst  int     `json:"submit_burst" yaml:"submit_burst" toml:"submit_burst"`
	// RequestLog is the default per-request log level: off, error, info or
	// debug. Clients may raise it per request.
	RequestLog   string   `json:"request_log" yaml:"request_log" toml:"request_log"`
	AdminTimeout Duration `json:"admin_timeout" yaml:"admin_timeout" toml:"admin_timeout"`
	CORS         CORS     `json:"cors" yaml:"cors" toml:"cors"`
}

type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

type GPU struct {
	ID          int    `json:"id" yaml:"id" toml:"id"`
	Name        string `json:"name" yaml:"name" toml:"name"`
	TotalVRAMMB int64  `json:"total_vram_mb" yaml:"total_vram_mb" toml:"total_vram_mb"`
}

type Model struct {
	ID             string         `json:"id" yaml:"id" toml:"id"`
	FeatureType    string         `json:"feature_type" yaml:"feature_type" toml:"feature_type"`
	Path           string         `json:"path" yaml:"path" toml:"path"`
	VRAMMB         int64          `json:"vram_mb" yaml:"vram_mb" toml:"vram_mb"`
	InputFormats   []string       `json:"input_formats" yaml:"input_formats" toml:"input_formats"`
	OutputFormats  []string       `json:"output_formats" yaml:"output_formats" toml:"output_formats"`
	MaxConcurrency int            `json:"max_concurrency" yaml:"max_concurrency" toml:"max_concurrency"`
	Default        bool           `json:"default" yaml:"default" toml:"default"`
	Options        map[string]any `json:"options" yaml:"options" toml:"options"`
}

// MB converts a configured size in MiB to bytes.
func MB(n int64) int64 { return n << 20 }

// Defaults returns the configuration used for unset keys.
func Defaults() Config {
	return Config{
		Addr:    ":7842",
		Log:     Log{Level: "info", Format: "json"},
		Workers: 2,
		Queue: Queue{
			MaxDepth:        1024,
			BackoffInitial:  Duration(500 * time.Millisecond),
			BackoffMax:      Duration(30 * time.Second),
			Retention:       Duration(24 * time.Hour),
			JanitorInterval: Duration(30 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Store:   Store{Backend: "memory", Redis: Redis{KeyPrefix: "meshd:"}},
		Runtime: Runtime{
			Mode:        "dryrun",
			DryRun:      DryRun{Steps: 4},
			Exec:        Exec{ReadyTimeout: Duration(60 * time.Second)},
			LoadTimeout: Duration(10 * time.Minute),
		},
		HTTP: HTTP{
			MaxBodyBytes: 1 << 20,
			RequestLog:   "error",
			AdminTimeout: Duration(10 * time.Minute),
			CORS: CORS{
				Methods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				Headers: []string{"Content-Type", "Authorization"},
			},
		},
	}
}

// Duration is a time.Duration that reads and writes as a Go duration
// string such as "500ms" in every supported file format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}
