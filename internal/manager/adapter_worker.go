package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	workerErrorBodyLimit = 4096
	workerCloseTimeout   = 30 * time.Second
)

// WorkerAdapter implements InferenceAdapter by talking to a model worker
// process over HTTP. The worker owns the weights and the device; every
// session maps to one (base model, adapter) pair loaded there.
type WorkerAdapter struct {
	baseURL    string
	reqTimeout time.Duration
	httpClient *http.Client
}

// NewWorkerAdapter constructs a worker-backed adapter. reqTimeout bounds each
// call (loads included); zero leaves only the caller's context.
func NewWorkerAdapter(baseURL string, reqTimeout, connectTimeout time.Duration) *WorkerAdapter {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Timeout=0: every request carries a context deadline instead.
	return &WorkerAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		reqTimeout: reqTimeout,
		httpClient: &http.Client{Transport: tr, Timeout: 0},
	}
}

type workerLoadRequest struct {
	BaseModel   string `json:"base_model"`
	AdapterPath string `json:"adapter_path"`
	Device      string `json:"device"`
}

type workerLoadResponse struct {
	SessionID string `json:"session_id"`
}

type workerGenerateRequest struct {
	Prompt       string  `json:"prompt"`
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	DoSample     bool    `json:"do_sample"`
}

type workerGenerateResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// WorkerHTTPError is a non-2xx answer from the worker.
type WorkerHTTPError struct {
	Status int
	Body   string
}

func (e *WorkerHTTPError) Error() string {
	return fmt.Sprintf("model worker http %d: %s", e.Status, e.Body)
}

func (a *WorkerAdapter) Load(ctx context.Context, spec LoadSpec) (InferSession, error) {
	var out workerLoadResponse
	in := workerLoadRequest(spec)
	if err := a.call(ctx, http.MethodPost, "/v1/sessions", in, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, errors.New("model worker returned an empty session id")
	}
	return &workerSession{adapter: a, id: out.SessionID}, nil
}

type workerSession struct {
	adapter *WorkerAdapter
	id      string
}

func (s *workerSession) path(suffix string) string {
	return "/v1/sessions/" + url.PathEscape(s.id) + suffix
}

func (s *workerSession) Generate(ctx context.Context, prompt string, params InferParams) (FinalResult, error) {
	in := workerGenerateRequest{
		Prompt:       prompt,
		MaxNewTokens: params.MaxNewTokens,
		Temperature:  params.Temperature,
		TopP:         params.TopP,
		DoSample:     params.DoSample,
	}
	var out workerGenerateResponse
	if err := s.adapter.call(ctx, http.MethodPost, s.path("/generate"), in, &out); err != nil {
		return FinalResult{}, err
	}
	return FinalResult{Content: out.Text, FinishReason: out.FinishReason, Usage: out.Usage}, nil
}

// Close deletes the session on the worker. A session the worker no longer
// knows is already closed.
func (s *workerSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), workerCloseTimeout)
	defer cancel()
	err := s.adapter.call(ctx, http.MethodDelete, s.path(""), nil, nil)
	var he *WorkerHTTPError
	if errors.As(err, &he) && he.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (a *WorkerAdapter) call(ctx context.Context, method, path string, in, out any) error {
	if a.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.reqTimeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		// Translate context timeouts/cancels
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, workerErrorBodyLimit))
		return &WorkerHTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode model worker response: %w", err)
	}
	return nil
}
