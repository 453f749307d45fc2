// Package manager owns the model resource (base model plus active adapter)
// and the inference lock that every generation and adapter swap goes through.
// It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, health and status getters.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - resource.go: Resource, the loaded (adapter, session) pair and its lifecycle.
//   - admission.go: the inference lock (single in-flight slot plus bounded queue).
//   - generate.go: Generate, the request path through the lock.
//   - swap.go: Swap, the build-then-install adapter hot-swap.
//   - params.go: request validation and default resolution.
//   - clean.go: post-processing of generated text.
//   - device.go: device selector resolution.
//   - errors.go: error types and helpers (IsValidation, IsResource, IsTooBusy, Kind).
//   - events.go, eventpub_log.go, eventpub_memory.go: lifecycle events.
//   - metrics.go: Prometheus collectors.
//
// Runtimes:
//
//   - WorkerAdapter talks to an external model worker over HTTP. The worker
//     holds the weights; this process only orchestrates.
//   - UnavailableAdapter is used when no worker is configured and fails every
//     load with a dependency-unavailable error.
//
// External packages should use public methods only (New/NewWithConfig, Load,
// Generate, Swap, Health, Status, Ready, Close).
package manager
