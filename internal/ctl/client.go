// Package ctl implements loractl, a command-line client for the loraserve
// HTTP API.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"loraserve/pkg/types"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client talks to one loraserve instance.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the server at base (e.g. http://127.0.0.1:8000).
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Health(ctx context.Context) (types.HealthResponse, error) {
	var out types.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", "", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var out types.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", "", nil, &out)
	return out, err
}

func (c *Client) Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResponse, error) {
	var out types.GenerateResponse
	b, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	err = c.do(ctx, http.MethodPost, "/v1/generate", "application/json", bytes.NewReader(b), &out)
	return out, err
}

// Retrain uploads the purchase groups at path and asks for retraining.
func (c *Client) Retrain(ctx context.Context, path string) (types.RetrainResponse, error) {
	var out types.RetrainResponse
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("retrain", "true"); err != nil {
		return out, err
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return out, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return out, err
	}
	if err := mw.Close(); err != nil {
		return out, err
	}
	err = c.do(ctx, http.MethodPost, "/v1/retrain", mw.FormDataContentType(), &buf, &out)
	return out, err
}

func (c *Client) Job(ctx context.Context, id string) (types.TrainingJob, error) {
	var out types.TrainingJob
	err := c.do(ctx, http.MethodGet, "/v1/retrain/jobs/"+url.PathEscape(id), "", nil, &out)
	return out, err
}

func (c *Client) Jobs(ctx context.Context) ([]types.TrainingJob, error) {
	var out types.JobsResponse
	err := c.do(ctx, http.MethodGet, "/v1/retrain/jobs", "", nil, &out)
	return out.Jobs, err
}

func (c *Client) Adapters(ctx context.Context) ([]types.Adapter, error) {
	var out types.AdaptersResponse
	err := c.do(ctx, http.MethodGet, "/v1/adapters", "", nil, &out)
	return out.Adapters, err
}

// WaitJob polls a job until it succeeds or fails, or ctx ends.
func (c *Client) WaitJob(ctx context.Context, id string, every time.Duration) (types.TrainingJob, error) {
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return job, err
		}
		if job.Status == "succeeded" || job.Status == "failed" {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er types.ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
