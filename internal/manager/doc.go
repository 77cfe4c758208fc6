// Package manager is the model registry: it owns every Model, resolves which
// model serves a request, and drives all load, unload and eviction
// transitions through the GPU tracker. It is structured into small files by
// concern:
//
//   - manager.go: Manager type, constructor, lookups.
//   - config.go: Config and package defaults.
//   - helpers.go: model resolution by feature and preference.
//   - ensure.go: EnsureLoaded and LoadOn.
//   - evict.go: admission with LRU eviction of idle residents.
//   - admission.go: Acquire, the pinned lease used by workers.
//   - unload.go: Unload, MarkCorrupt, Reset, Close.
//   - status_report.go: model and GPU views for the API.
//   - sanity.go: startup checks.
//   - events.go, eventpub_memory.go: lifecycle events.
//   - metrics.go: Prometheus collectors.
//
// A model moves between states only while its transition lock is held, so
// loads, unloads and evictions of one model never interleave. Admission on a
// device is serialized by the tracker.
package manager
