// Package types holds the JSON payloads exchanged over the HTTP API.
package types

import "time"

// SubmitRequest is the body of POST /api/v1/jobs.
type SubmitRequest struct {
	// Feature the job targets.
	// example: retopology
	FeatureType string `json:"feature_type" example:"retopology"`
	// Optional model identifier. If empty, the default model for the feature is used.
	// example: fastmesh-v1k
	ModelPreference string `json:"model_preference,omitempty" example:"fastmesh-v1k"`
	// Feature-specific inputs such as mesh_path or text_prompt.
	Inputs map[string]any `json:"inputs"`
	// Optional per-job deadline in seconds; 0 uses the server default.
	// example: 600
	DeadlineSeconds float64 `json:"deadline_seconds,omitempty" example:"600"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	// example: 0192f6c4-5a1e-7c3b-9f2d-3b8e4f0a1c2d
	JobID string `json:"job_id" example:"0192f6c4-5a1e-7c3b-9f2d-3b8e4f0a1c2d"`
	// example: QUEUED
	Status string `json:"status" example:"QUEUED"`
}

// JobStatus is the polling view of a job.
type JobStatus struct {
	// example: 0192f6c4-5a1e-7c3b-9f2d-3b8e4f0a1c2d
	JobID string `json:"job_id" example:"0192f6c4-5a1e-7c3b-9f2d-3b8e4f0a1c2d"`
	// One of QUEUED, RUNNING, COMPLETED, FAILED, CANCELLED.
	// example: RUNNING
	Status string `json:"status" example:"RUNNING"`
	// Percentage in [0,100].
	// example: 40
	Progress int `json:"progress" example:"40"`
	// example: retopology
	FeatureType string `json:"feature_type" example:"retopology"`
	// example: fastmesh-v1k
	ModelID string `json:"model_id" example:"fastmesh-v1k"`
	// Failure message, present only for FAILED jobs.
	Error string `json:"error,omitempty"`
	// Failure classification, present only for FAILED jobs.
	// example: processing
	ErrorKind string `json:"error_kind,omitempty" example:"processing"`
	// Number of times the job waited for GPU capacity.
	Attempts        int        `json:"attempts"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
}

// JobResult carries the outputs of a COMPLETED job.
type JobResult struct {
	JobID  string         `json:"job_id"`
	Result map[string]any `json:"result"`
}

// JobsResponse wraps GET /api/v1/system/jobs.
type JobsResponse struct {
	Jobs []JobStatus `json:"jobs"`
}

// Model describes a registered model for GET /api/v1/system/models.
type Model struct {
	// example: fastmesh-v1k
	ID string `json:"id" example:"fastmesh-v1k"`
	// example: retopology
	FeatureType string `json:"feature_type" example:"retopology"`
	Path        string `json:"path,omitempty"`
	// example: 4294967296
	VRAMBytes int64 `json:"vram_bytes" example:"4294967296"`
	// One of UNLOADED, LOADING, LOADED, UNLOADING, ERROR.
	// example: LOADED
	Status         string   `json:"status" example:"LOADED"`
	GPU            *int     `json:"gpu,omitempty"`
	InputFormats   []string `json:"input_formats"`
	OutputFormats  []string `json:"output_formats"`
	MaxConcurrency int      `json:"max_concurrency"`
	Default        bool     `json:"default"`
	LastError      string   `json:"last_error,omitempty"`
}

// ModelsResponse wraps the list of models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// Resident summarizes a model resident on a GPU.
type Resident struct {
	ModelID   string `json:"model_id"`
	VRAMBytes int64  `json:"vram_bytes"`
	// Jobs currently pinning the model.
	InFlight int  `json:"in_flight"`
	Evicting bool `json:"evicting,omitempty"`
}

// GPUStatus is one device ledger.
type GPUStatus struct {
	ID                 int        `json:"id"`
	Name               string     `json:"name"`
	TotalVRAMBytes     int64      `json:"total_vram_bytes"`
	AllocatedVRAMBytes int64      `json:"allocated_vram_bytes"`
	FreeVRAMBytes      int64      `json:"free_vram_bytes"`
	Residents          []Resident `json:"residents"`
}

// QueueStatus summarizes the job engine.
type QueueStatus struct {
	Workers  int `json:"workers"`
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	MaxDepth int `json:"max_depth"`
}

// StatusResponse is returned by GET /api/v1/system/status.
type StatusResponse struct {
	GPUs   []GPUStatus    `json:"gpus"`
	Models []Model        `json:"models"`
	Queue  QueueStatus    `json:"queue"`
	Jobs   map[string]int `json:"jobs"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: missing required input: mesh_path
	Error string `json:"error" example:"missing required input: mesh_path"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Error classification.
	// example: validation
	Kind string `json:"kind,omitempty" example:"validation"`
}

// Event is a model lifecycle event from GET /api/v1/system/events.
type Event struct {
	// example: evict
	Name string `json:"name" example:"evict"`
	// example: fastmesh-v1k
	ModelID string         `json:"model_id" example:"fastmesh-v1k"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// EventsResponse wraps the most recent lifecycle events, oldest first.
type EventsResponse struct {
	Events []Event `json:"events"`
}
