package manager

import (
	"context"
	"time"

	"loraserve/internal/audit"
	"loraserve/pkg/types"
)

// Generate validates req, runs it under the inference lock and returns the
// cleaned prediction. Successful generations are handed to the audit sink
// after the lock is released.
func (m *Manager) Generate(ctx context.Context, req types.GenerateRequest) (string, error) {
	params, err := ResolveParams(req, m.defaults)
	if err != nil {
		generationsTotal.WithLabelValues("invalid").Inc()
		return "", err
	}
	release, err := m.beginGeneration(ctx)
	if err != nil {
		if IsTooBusy(err) {
			generationsTotal.WithLabelValues("busy").Inc()
		} else {
			generationsTotal.WithLabelValues("canceled").Inc()
		}
		return "", err
	}
	start := time.Now()
	text, err := m.infer(ctx, release, req.Prompt, params)
	generationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if IsResource(err) {
			generationsTotal.WithLabelValues("error").Inc()
			m.recordError(err)
			m.log.Error().Err(err).Msg("generation failed")
		} else {
			generationsTotal.WithLabelValues("canceled").Inc()
		}
		return "", err
	}
	generationsTotal.WithLabelValues("ok").Inc()
	m.audit.Append(audit.Record{
		Timestamp:    time.Now(),
		Prompt:       req.Prompt,
		MaxNewTokens: params.MaxNewTokens,
		Temperature:  params.Temperature,
		TopP:         params.TopP,
		DoSample:     params.DoSample,
		Prediction:   text,
	})
	return text, nil
}

func (m *Manager) infer(ctx context.Context, release func(), prompt string, params InferParams) (string, error) {
	defer release()
	return m.res.Infer(ctx, prompt, params)
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}
