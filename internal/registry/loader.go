// Package registry turns configuration into the GPU ledger and the model
// instances the manager drives.
package registry

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"meshd/internal/common/fsutil"
	"meshd/internal/config"
	"meshd/internal/gpu"
	"meshd/internal/model"
	"meshd/internal/runtime"
)

// Catalog is what Build produces: ready to hand to manager.New.
type Catalog struct {
	Tracker  *gpu.Tracker
	Models   []model.Model
	Defaults map[model.FeatureType]string
}

// Build creates the tracker and one model per configured entry, each with a
// backend from factory.
func Build(cfg config.Config, factory runtime.Factory) (Catalog, error) {
	tr, err := gpu.NewTracker(Devices(cfg.GPUs))
	if err != nil {
		return Catalog{}, err
	}
	specs, defaults, err := Specs(cfg.Models)
	if err != nil {
		return Catalog{}, err
	}
	models := make([]model.Model, 0, len(specs))
	for _, s := range specs {
		mdl, err := model.Build(s, factory(s))
		if err != nil {
			return Catalog{}, fmt.Errorf("model %s: %w", s.ID, err)
		}
		models = append(models, mdl)
	}
	return Catalog{Tracker: tr, Models: models, Defaults: defaults}, nil
}

// Devices converts configured GPUs, sized in MiB, to tracker devices.
func Devices(gpus []config.GPU) []gpu.Device {
	out := make([]gpu.Device, 0, len(gpus))
	for _, g := range gpus {
		name := g.Name
		if name == "" {
			name = fmt.Sprintf("gpu%d", g.ID)
		}
		out = append(out, gpu.Device{ID: g.ID, Name: name, TotalVRAM: config.MB(g.TotalVRAMMB)})
	}
	return out
}

// Specs converts configured models to model specs and collects the default
// model per feature. Weight paths have '~' expanded and are made absolute.
func Specs(models []config.Model) ([]model.Spec, map[model.FeatureType]string, error) {
	specs := make([]model.Spec, 0, len(models))
	defaults := make(map[model.FeatureType]string)
	for _, m := range models {
		f, err := model.ParseFeature(m.FeatureType)
		if err != nil {
			return nil, nil, fmt.Errorf("model %s: %w", m.ID, err)
		}
		path, err := fsutil.ExpandHome(m.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("model %s: %w", m.ID, err)
		}
		if path != "" {
			if path, err = filepath.Abs(path); err != nil {
				return nil, nil, fmt.Errorf("model %s: abs path: %w", m.ID, err)
			}
		}
		specs = append(specs, model.Spec{
			ID:             m.ID,
			Feature:        f,
			Path:           path,
			VRAM:           config.MB(m.VRAMMB),
			InputFormats:   m.InputFormats,
			OutputFormats:  m.OutputFormats,
			MaxConcurrency: m.MaxConcurrency,
			Options:        m.Options,
		})
		if m.Default {
			if prev, ok := defaults[f]; ok {
				return nil, nil, fmt.Errorf("feature %s has two default models: %s and %s", f, prev, m.ID)
			}
			defaults[f] = m.ID
		}
	}
	return specs, defaults, nil
}

// RuntimeOptions maps the runtime section of the config to backend options.
func RuntimeOptions(rc config.Runtime, log zerolog.Logger) runtime.Options {
	return runtime.Options{
		Mode: runtime.Mode(rc.Mode),
		Exec: runtime.ExecConfig{
			Bin:          rc.Exec.Bin,
			Args:         rc.Exec.Args,
			Env:          rc.Exec.Env,
			ReadyTimeout: rc.Exec.ReadyTimeout.Std(),
		},
		DryRun: runtime.DryRunConfig{
			Latency:      rc.DryRun.Latency.Std(),
			Steps:        rc.DryRun.Steps,
			CheckWeights: rc.DryRun.CheckWeights,
			Touch:        rc.DryRun.TouchOutputs,
		},
		Logger: log,
	}
}
