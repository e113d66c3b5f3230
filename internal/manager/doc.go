// Package manager owns the loaded models. Each model runs in its own
// batching engine; the manager loads engines on demand, evicts idle ones to
// stay inside a memory budget and routes generation requests to them. It is
// structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, getters, Run and Close.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: lifecycle state and the Instance type.
//   - errors.go: error types and helpers (IsTooBusy, IsModelNotFound, ...).
//   - helpers.go: model lookup, VRAM estimation.
//   - loader.go: Loader and the default reference-model loader.
//   - ensure.go: EnsureInstance lifecycle and loading.
//   - evict.go: eviction logic to fit within VRAM budget.
//   - unload.go: draining unload.
//   - admission.go: per-instance in-flight limit.
//   - generate.go: request translation, streaming and abort.
//   - status_report.go: Status/Snapshot reporting helpers.
//   - sanity.go: registry preflight checks.
//   - ops.go: background Switch.
//
// External packages should treat this package as the orchestration layer and use
// public methods only (e.g., NewWithConfig, Ready, ListModels, Status, Generate).
package manager
