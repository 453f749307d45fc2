package manager

import "context"

// InferenceAdapter abstracts the model runtime used by the Resource.
type InferenceAdapter interface {
	// Load binds the base model and adapter to a device and returns a session
	// that serves generations until it is closed.
	Load(ctx context.Context, spec LoadSpec) (InferSession, error)
}

// InferSession is one loaded (base model, adapter) pair.
type InferSession interface {
	// Generate runs one completion for prompt. Implementations must return
	// when the context is canceled.
	Generate(ctx context.Context, prompt string, params InferParams) (FinalResult, error)
	// Close releases the weights and any device memory.
	Close() error
}

// LoadSpec names what a session should load.
type LoadSpec struct {
	BaseModel   string
	AdapterPath string
	Device      string
}

// InferParams captures generation parameters passed to the runtime.
type InferParams struct {
	MaxNewTokens int
	Temperature  float64
	TopP         float64
	DoSample     bool
}

// FinalResult summarizes one generation.
type FinalResult struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
