package types

// GenerateRequest represents a generation request payload.
// Absent overrides fall back to the server defaults.
type GenerateRequest struct {
	// Required prompt text.
	// example: 牛奶
	Prompt string `json:"prompt" example:"牛奶"`
	// Maximum number of new tokens to generate (> 0).
	// example: 128
	MaxNewTokens *int `json:"max_new_tokens,omitempty" example:"128"`
	// Sampling temperature in (0, 2].
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability in (0, 1].
	// example: 0.9
	TopP *float64 `json:"top_p,omitempty" example:"0.9"`
	// Enable sampling; false selects greedy decoding.
	// example: true
	DoSample *bool `json:"do_sample,omitempty" example:"true"`
}

// GenerateResponse is returned by POST /v1/generate.
type GenerateResponse struct {
	// Post-processed generated text.
	// example: 面包，鸡蛋
	Prediction string `json:"prediction" example:"面包，鸡蛋"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	// example: ok
	Status string `json:"status" example:"ok"`
	// Resolved device the model runs on.
	// example: cuda
	Device string `json:"device" example:"cuda"`
	// Base model identifier.
	// example: Qwen/Qwen3-0.6B
	Model string `json:"model" example:"Qwen/Qwen3-0.6B"`
	// Active adapter location.
	// example: qwen3-0.6B-lora-products/checkpoint-step-5000
	Adapter string `json:"adapter" example:"qwen3-0.6B-lora-products/checkpoint-step-5000"`
}

// RetrainResponse is returned by POST /v1/retrain.
type RetrainResponse struct {
	// Human readable acknowledgment.
	Message string `json:"message"`
	// Accepted job, absent when retraining was not requested.
	Job *TrainingJob `json:"job,omitempty"`
}

// JobsResponse wraps the list of known retraining jobs.
type JobsResponse struct {
	Jobs []TrainingJob `json:"jobs"`
}

// AdaptersResponse wraps the list of trained adapter checkpoints.
type AdaptersResponse struct {
	Adapters []Adapter `json:"adapters"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Lifecycle state: loading, ready, swapping, error, unloaded.
	// example: ready
	State string `json:"state" example:"ready"`
	// Base model identifier.
	Model string `json:"model"`
	// Active adapter location.
	Adapter string `json:"adapter"`
	// Resolved device.
	Device string `json:"device"`
	// Number of generate requests waiting for the inference lock.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Generations (or swaps) currently holding the inference lock.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum waiting requests before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Completed adapter swaps since start.
	SwapsTotal uint64 `json:"swaps_total"`
	// Time of the last successful swap (unix seconds), zero if none.
	LastSwapUnix int64 `json:"last_swap_unix,omitempty"`
	// Last resource error observed, if any.
	LastError string `json:"last_error,omitempty"`
	// Job currently holding the training lock, if any.
	ActiveJob *TrainingJob `json:"active_job,omitempty"`
	// Uptime of the server in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}
