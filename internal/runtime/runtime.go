// Package runtime provides the backends that execute model artifacts:
//
//   - exec.go: one worker subprocess per loaded model speaking line-delimited JSON.
//   - dryrun.go: no GPU work; checks weights and returns planned outputs.
//   - tail.go: bounded stderr capture for diagnostics.
package runtime

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"meshd/internal/model"
)

// Mode selects a backend implementation.
type Mode string

const (
	ModeDryRun Mode = "dryrun"
	ModeExec   Mode = "exec"
)

// Factory creates the backend serving one model.
type Factory func(spec model.Spec) model.Backend

// Options configures NewFactory.
type Options struct {
	Mode   Mode
	Exec   ExecConfig
	DryRun DryRunConfig
	Logger zerolog.Logger
}

// NewFactory returns a Factory for opts.Mode.
func NewFactory(opts Options) (Factory, error) {
	switch Mode(strings.ToLower(string(opts.Mode))) {
	case ModeDryRun, "":
		return func(spec model.Spec) model.Backend {
			return NewDryRun(opts.DryRun, opts.Logger.With().Str("model", spec.ID).Logger())
		}, nil
	case ModeExec:
		if strings.TrimSpace(opts.Exec.Bin) == "" {
			return nil, fmt.Errorf("runtime exec: bin is required")
		}
		return func(spec model.Spec) model.Backend {
			return NewExec(opts.Exec, opts.Logger.With().Str("model", spec.ID).Logger())
		}, nil
	default:
		return nil, fmt.Errorf("unknown runtime mode %q", opts.Mode)
	}
}
