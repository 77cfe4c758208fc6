// Package model defines the uniform contract every mesh-processing model
// implements, the lifecycle state machine shared by all of them, and one
// variant per model family selected through a table keyed by feature type.
package model

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// FeatureType names a model family.
type FeatureType string

const (
	FeatureImageToMesh  FeatureType = "image-to-mesh"
	FeatureTextToMesh   FeatureType = "text-to-mesh"
	FeatureRetopology   FeatureType = "retopology"
	FeatureUVUnwrap     FeatureType = "uv-unwrap"
	FeatureRig          FeatureType = "rig"
	FeatureSegmentation FeatureType = "segmentation"
)

// Status is a model lifecycle state.
type Status string

const (
	StatusUnloaded  Status = "UNLOADED"
	StatusLoading   Status = "LOADING"
	StatusLoaded    Status = "LOADED"
	StatusUnloading Status = "UNLOADING"
	StatusError     Status = "ERROR"
)

// Inputs and Outputs are the opaque job payloads exchanged with a model.
type (
	Inputs  map[string]any
	Outputs map[string]any
)

// ProgressFunc receives progress percentages in [0,100].
type ProgressFunc func(pct int)

// Formats lists the file extensions a model reads and writes, without dots.
type Formats struct {
	Input  []string `json:"input"`
	Output []string `json:"output"`
}

// Spec is the static description a model is built from.
type Spec struct {
	ID             string
	Feature        FeatureType
	Path           string
	VRAM           int64
	InputFormats   []string
	OutputFormats  []string
	MaxConcurrency int
	Options        map[string]any
}

// Info is the introspection view of a model.
type Info struct {
	ID             string         `json:"id"`
	Feature        FeatureType    `json:"feature_type"`
	Path           string         `json:"path"`
	VRAM           int64          `json:"vram_bytes"`
	Status         Status         `json:"status"`
	GPU            *int           `json:"gpu,omitempty"`
	Formats        Formats        `json:"formats"`
	MaxConcurrency int            `json:"max_concurrency"`
	Options        map[string]any `json:"options,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
}

// Model is the capability contract driven by the registry and the workers.
type Model interface {
	ID() string
	Feature() FeatureType
	VRAM() int64
	Concurrency() int

	// Load materializes the model on gpu. It is a no-op when the model is
	// already loaded there.
	Load(ctx context.Context, gpu int) error
	// Unload releases the model unconditionally. It is a no-op when the
	// model is not loaded.
	Unload(ctx context.Context) error
	// Process runs one job. It blocks until the backend returns.
	Process(ctx context.Context, in Inputs, progress ProgressFunc) (Outputs, error)
	// Validate checks inputs without touching the backend.
	Validate(in Inputs) error

	SupportedFormats() Formats
	Info() Info
	Status() Status
	GPU() (int, bool)
	LastError() string

	// MarkError moves an unloaded model to ERROR.
	MarkError(err error)
	// Reset moves an ERROR model back to UNLOADED.
	Reset() bool
}

// Artifact is what a backend needs to materialize a model.
type Artifact struct {
	ModelID string
	Feature FeatureType
	Path    string
	GPU     int
	Options map[string]any
}

// Request is one unit of work handed to a backend. Planned holds the output
// locations and metadata the variant expects; backends may override any key.
type Request struct {
	ModelID string
	Feature FeatureType
	Inputs  Inputs
	Planned Outputs
}

// Backend executes a model's external artifact. One Backend serves exactly
// one Model.
type Backend interface {
	Materialize(ctx context.Context, a Artifact) error
	Release(ctx context.Context) error
	Run(ctx context.Context, req Request, progress ProgressFunc) (Outputs, error)
}

// Features returns every known feature type in a stable order.
func Features() []FeatureType {
	out := make([]FeatureType, 0, len(variants))
	for f := range variants {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseFeature resolves a feature name, accepting a few common spellings.
func ParseFeature(s string) (FeatureType, error) {
	f := FeatureType(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case "uv", "uv-unwrapping", "uv_unwrap":
		f = FeatureUVUnwrap
	case "rigging":
		f = FeatureRig
	case "image-to-textured-mesh":
		f = FeatureImageToMesh
	case "text-to-textured-mesh":
		f = FeatureTextToMesh
	}
	if _, ok := variants[f]; !ok {
		return "", fmt.Errorf("unknown feature type %q", s)
	}
	return f, nil
}
