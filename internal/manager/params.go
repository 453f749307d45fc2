package manager

import "loraserve/pkg/types"

// GenerationDefaults fill in parameters a request leaves out.
type GenerationDefaults struct {
	MaxNewTokens int
	Temperature  float64
	TopP         float64
	DoSample     bool
}

// ResolveParams validates req and merges it over d. Validation happens here,
// before the inference lock, so bad requests never wait behind the model.
func ResolveParams(req types.GenerateRequest, d GenerationDefaults) (InferParams, error) {
	if req.Prompt == "" {
		return InferParams{}, validationErrorf("prompt is required")
	}
	p := InferParams{
		MaxNewTokens: d.MaxNewTokens,
		Temperature:  d.Temperature,
		TopP:         d.TopP,
		DoSample:     d.DoSample,
	}
	if req.MaxNewTokens != nil {
		p.MaxNewTokens = *req.MaxNewTokens
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.TopP = *req.TopP
	}
	if req.DoSample != nil {
		p.DoSample = *req.DoSample
	}
	if p.MaxNewTokens <= 0 {
		return InferParams{}, validationErrorf("max_new_tokens must be positive, got %d", p.MaxNewTokens)
	}
	if p.Temperature <= 0 || p.Temperature > 2 {
		return InferParams{}, validationErrorf("temperature must be in (0, 2], got %v", p.Temperature)
	}
	if p.TopP <= 0 || p.TopP > 1 {
		return InferParams{}, validationErrorf("top_p must be in (0, 1], got %v", p.TopP)
	}
	return p, nil
}
