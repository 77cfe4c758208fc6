package manager

import (
	"time"

	"github.com/rs/zerolog"

	"meshd/internal/gpu"
	"meshd/internal/model"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultAcquireAttempts = 3
)

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Tracker *gpu.Tracker
	Models  []model.Model
	// Defaults maps a feature to the model used when a request names none.
	Defaults map[model.FeatureType]string
	// AcquireAttempts bounds how often Acquire retries after losing a race
	// with an eviction.
	AcquireAttempts int
	// LoadTimeout bounds one model load. Loads are detached from the caller
	// that triggered them, so this is their only deadline. Zero means none.
	LoadTimeout time.Duration
	Logger      zerolog.Logger
	Publisher       EventPublisher
}
