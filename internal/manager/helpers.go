package manager

import (
	"meshd/internal/apperr"
	"meshd/internal/model"
)

// Resolve picks the model serving feature. A non-empty preference must name
// a registered model of that feature; otherwise the configured default is
// used, falling back to the first registered model of the feature.
func (m *Manager) Resolve(feature model.FeatureType, preference string) (model.Model, error) {
	if preference != "" {
		mdl, err := m.Model(preference)
		if err != nil {
			return nil, err
		}
		if mdl.Feature() != feature {
			return nil, apperr.Validation("model %s serves %s, not %s", preference, mdl.Feature(), feature)
		}
		return mdl, nil
	}
	if id, ok := m.defaults[feature]; ok {
		return m.models[id], nil
	}
	for _, id := range m.order {
		if m.models[id].Feature() == feature {
			return m.models[id], nil
		}
	}
	return nil, apperr.NotFound("no model registered for feature %s", feature)
}

// DefaultFor returns the model id used when a request for feature names none.
func (m *Manager) DefaultFor(feature model.FeatureType) (string, bool) {
	mdl, err := m.Resolve(feature, "")
	if err != nil {
		return "", false
	}
	return mdl.ID(), true
}
