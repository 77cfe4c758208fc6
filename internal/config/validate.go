package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"meshd/internal/model"
)

var (
	storeBackends = []string{"memory", "redis", "sqlite"}
	runtimeModes  = []string{"dryrun", "exec"}
	logFormats    = []string{"json", "console"}
	requestLogs   = []string{"off", "error", "info", "debug"}
)

// Validate reports every problem found, joined into one error.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Addr == "" {
		add("addr is required")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		add("log.format must be one of %v", logFormats)
	}
	if c.Workers <= 0 {
		add("workers must be positive")
	}

	q := c.Queue
	if q.MaxDepth <= 0 {
		add("queue.max_depth must be positive")
	}
	if q.BackoffInitial <= 0 || q.BackoffMax < q.BackoffInitial {
		add("queue.backoff_initial must be positive and not above queue.backoff_max")
	}
	if q.JobDeadline < 0 || q.Retention < 0 {
		add("queue.job_deadline and queue.retention must not be negative")
	}
	if q.JanitorInterval <= 0 || q.ShutdownTimeout <= 0 {
		add("queue.janitor_interval and queue.shutdown_timeout must be positive")
	}

	switch c.Store.Backend {
	case "redis":
		if c.Store.Redis.Addr == "" {
			add("store.redis.addr is required for the redis backend")
		}
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			add("store.sqlite.path is required for the sqlite backend")
		}
	case "memory":
	default:
		add("store.backend must be one of %v", storeBackends)
	}

	switch c.Runtime.Mode {
	case "exec":
		if c.Runtime.Exec.Bin == "" {
			add("runtime.exec.bin is required in exec mode")
		}
	case "dryrun":
	default:
		add("runtime.mode must be one of %v", runtimeModes)
	}

	if c.Runtime.LoadTimeout < 0 {
		add("runtime.load_timeout must not be negative")
	}

	if c.HTTP.SubmitRPS < 0 || c.HTTP.SubmitBurst < 0 {
		add("http.submit_rps and http.submit_burst must not be negative")
	}
	if !slices.Contains(requestLogs, c.HTTP.RequestLog) {
		add("http.request_log must be one of %v", requestLogs)
	}
	if c.HTTP.AdminTimeout < 0 {
		add("http.admin_timeout must not be negative")
	}

	if len(c.GPUs) == 0 {
		add("at least one gpu is required")
	}
	gpuIDs := map[int]bool{}
	for i, g := range c.GPUs {
		if gpuIDs[g.ID] {
			add("gpus[%d]: duplicate id %d", i, g.ID)
		}
		gpuIDs[g.ID] = true
		if g.TotalVRAMMB <= 0 {
			add("gpus[%d]: total_vram_mb must be positive", i)
		}
	}

	if len(c.Models) == 0 {
		add("at least one model is required")
	}
	modelIDs := map[string]bool{}
	defaults := map[model.FeatureType]string{}
	for i, m := range c.Models {
		if m.ID == "" {
			add("models[%d]: id is required", i)
		} else if modelIDs[m.ID] {
			add("models[%d]: duplicate id %q", i, m.ID)
		}
		modelIDs[m.ID] = true
		f, err := model.ParseFeature(m.FeatureType)
		if err != nil {
			add("models[%d]: %v", i, err)
			continue
		}
		if m.VRAMMB <= 0 {
			add("models[%d]: vram_mb must be positive", i)
		}
		if m.MaxConcurrency < 0 {
			add("models[%d]: max_concurrency must not be negative", i)
		}
		if m.Default {
			if prev, ok := defaults[f]; ok {
				add("models[%d]: %s already has default model %q", i, f, prev)
			}
			defaults[f] = m.ID
		}
	}
	return errors.Join(errs...)
}
