package manager

import (
	"meshd/internal/common/fsutil"
	"meshd/internal/model"
)

// ModelCheck is the per-model part of a SanityReport.
type ModelCheck struct {
	ID           string `json:"id"`
	WeightsFound bool   `json:"weights_found"`
	Path         string `json:"path,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SanityReport describes startup checks that do not touch a GPU.
type SanityReport struct {
	OK       bool         `json:"ok"`
	GPUs     int          `json:"gpus"`
	Models   []ModelCheck `json:"models"`
	Features []string     `json:"features_without_model,omitempty"`
}

// SanityCheck verifies that model weights exist on disk and notes features
// no model serves. It does not mutate state and is safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{OK: true, GPUs: len(m.tracker.Devices())}
	for _, id := range m.order {
		info := m.models[id].Info()
		c := ModelCheck{ID: id, Path: info.Path}
		switch p, err := fsutil.ExpandHome(info.Path); {
		case info.Path == "":
			c.Error = "no weights path configured"
		case err != nil:
			c.Error = err.Error()
		case !fsutil.PathExists(p):
			c.Error = "weights not found"
		default:
			c.WeightsFound = true
		}
		if !c.WeightsFound {
			r.OK = false
		}
		r.Models = append(r.Models, c)
	}
	for _, f := range model.Features() {
		if _, ok := m.DefaultFor(f); !ok {
			r.Features = append(r.Features, string(f))
		}
	}
	return r
}
