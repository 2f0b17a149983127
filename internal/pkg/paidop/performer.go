package paidop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Input is the request handed to the transformation backend.
type Input struct {
	Operation string         `json:"operation" validate:"required,max=64"`
	SourceURL string         `json:"source_url" validate:"required,url"`
	Params    map[string]any `json:"params,omitempty"`
	UserID    uint           `json:"user_id"`
	RequestID string         `json:"request_id,omitempty"`
}

// Output is what the backend reported. Only Success decides whether the
// operation is billed.
type Output struct {
	Success   bool            `json:"success"`
	ResultURL string          `json:"result_url,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Performer runs the external paid work.
type Performer interface {
	Perform(ctx context.Context, in Input) (*Output, error)
}

// HTTPPerformer calls the image transformation backend with a JSON POST.
type HTTPPerformer struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPPerformer(endpoint, token string, timeout time.Duration) *HTTPPerformer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPPerformer{
		endpoint: strings.TrimSpace(endpoint),
		token:    strings.TrimSpace(token),
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPPerformer) Perform(ctx context.Context, in Input) (*Output, error) {
	if p.endpoint == "" {
		return nil, fmt.Errorf("paidop: transformation backend is not configured")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create transform request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transform HTTP error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read transform response failed: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("transform failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode transform response failed: %w", err)
	}
	// A 4xx with a success flag is still a failure.
	if resp.StatusCode >= 300 {
		out.Success = false
		if out.Error == "" {
			out.Error = fmt.Sprintf("status %d", resp.StatusCode)
		}
	}
	return &out, nil
}
