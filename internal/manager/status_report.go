package manager

import (
	"meshd/internal/model"
	"meshd/pkg/types"
)

// ListModels returns the API view of every registered model.
func (m *Manager) ListModels() []types.Model {
	out := make([]types.Model, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.describe(m.models[id]))
	}
	return out
}

func (m *Manager) describe(mdl model.Model) types.Model {
	info := mdl.Info()
	def, _ := m.DefaultFor(info.Feature)
	return types.Model{
		ID:             info.ID,
		FeatureType:    string(info.Feature),
		Path:           info.Path,
		VRAMBytes:      info.VRAM,
		Status:         string(info.Status),
		GPU:            info.GPU,
		InputFormats:   info.Formats.Input,
		OutputFormats:  info.Formats.Output,
		MaxConcurrency: info.MaxConcurrency,
		Default:        def == info.ID,
		LastError:      info.LastError,
	}
}

// GPUs returns one ledger view per device.
func (m *Manager) GPUs() []types.GPUStatus {
	snaps := m.tracker.Snapshot()
	out := make([]types.GPUStatus, 0, len(snaps))
	for _, s := range snaps {
		g := types.GPUStatus{
			ID:                 s.ID,
			Name:               s.Name,
			TotalVRAMBytes:     s.TotalVRAM,
			AllocatedVRAMBytes: s.Allocated,
			FreeVRAMBytes:      s.TotalVRAM - s.Allocated,
			Residents:          make([]types.Resident, 0, len(s.Residents)),
		}
		for _, r := range s.Residents {
			g.Residents = append(g.Residents, types.Resident{ModelID: r.ModelID, VRAMBytes: r.VRAM, InFlight: r.Pins, Evicting: r.Evicting})
		}
		out = append(out, g)
	}
	return out
}
