package manager

import "context"

// UnavailableAdapter satisfies InferenceAdapter but refuses to load anything.
// It is installed when no model worker is configured so that misconfiguration
// surfaces as an explicit error instead of mocked output.
type UnavailableAdapter struct {
	Reason string
}

// NewUnavailableAdapter returns an adapter whose loads fail with reason.
func NewUnavailableAdapter(reason string) InferenceAdapter {
	if reason == "" {
		reason = "model runtime not configured"
	}
	return UnavailableAdapter{Reason: reason}
}

func (a UnavailableAdapter) Load(ctx context.Context, spec LoadSpec) (InferSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrDependencyUnavailable(a.Reason)
}
