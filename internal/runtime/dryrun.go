package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meshd/internal/common/fsutil"
	"meshd/internal/model"
)

// DryRunConfig tunes the dry-run backend.
type DryRunConfig struct {
	// Latency simulates processing time; progress is reported in Steps.
	Latency time.Duration
	Steps   int
	// CheckWeights fails Materialize when the weights path does not exist.
	CheckWeights bool
	// Touch creates empty placeholder files at the planned output paths.
	Touch bool
}

// DryRun is a backend that performs no GPU work. Its results are the
// outputs planned by the model variant.
type DryRun struct {
	cfg DryRunConfig
	log zerolog.Logger

	mu     sync.Mutex
	loaded bool
}

func NewDryRun(cfg DryRunConfig, log zerolog.Logger) *DryRun {
	if cfg.Steps <= 0 {
		cfg.Steps = 4
	}
	return &DryRun{cfg: cfg, log: log}
}

func (d *DryRun) Materialize(ctx context.Context, a model.Artifact) error {
	if d.cfg.CheckWeights && a.Path != "" {
		p, err := fsutil.ExpandHome(a.Path)
		if err != nil {
			return err
		}
		if !fsutil.PathExists(p) {
			return fmt.Errorf("weights not found: %s", p)
		}
	}
	d.mu.Lock()
	d.loaded = true
	d.mu.Unlock()
	d.log.Debug().Str("event", "materialize").Int("gpu", a.GPU).Msg("dryrun")
	return nil
}

func (d *DryRun) Release(ctx context.Context) error {
	d.mu.Lock()
	d.loaded = false
	d.mu.Unlock()
	d.log.Debug().Str("event", "release").Msg("dryrun")
	return nil
}

func (d *DryRun) Run(ctx context.Context, req model.Request, progress model.ProgressFunc) (model.Outputs, error) {
	if d.cfg.Latency > 0 {
		step := d.cfg.Latency / time.Duration(d.cfg.Steps)
		t := time.NewTicker(step)
		defer t.Stop()
		for i := 1; i <= d.cfg.Steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.C:
			}
			if !d.isLoaded() {
				return nil, errors.New("model unloaded during processing")
			}
			if i < d.cfg.Steps {
				progress(i * 100 / d.cfg.Steps)
			}
		}
	}
	if !d.isLoaded() {
		return nil, errors.New("model unloaded during processing")
	}
	if d.cfg.Touch {
		for _, key := range []string{"output_mesh_path", "packed_mesh_path"} {
			if p, ok := req.Planned[key].(string); ok && p != "" {
				if err := touch(p); err != nil {
					return nil, err
				}
			}
		}
	}
	return nil, nil
}

func (d *DryRun) isLoaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func touch(p string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
