package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPProvider posts the request to a generic JSON endpoint that answers
// with a classification object.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

type httpRequest struct {
	Model          string `json:"model,omitempty"`
	System         string `json:"system"`
	ContextSummary string `json:"context_summary"`
	LatestTurn     string `json:"latest_turn"`
}

// NewHTTPProvider creates a provider for endpoint. The guard owns the
// timeout, so the client has none of its own.
func NewHTTPProvider(endpoint, apiKey, model string) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{},
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Complete(ctx context.Context, req Request) (string, error) {
	body, _ := json.Marshal(httpRequest{
		Model:          p.model,
		System:         systemPrompt,
		ContextSummary: req.ContextSummary,
		LatestTurn:     req.LatestTurn,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier error %d: %s", resp.StatusCode, string(b))
	}
	return string(b), nil
}
