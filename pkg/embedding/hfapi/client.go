// Package hfapi implements the embedding.Provider interface against the
// hosted Hugging Face feature-extraction API.
package hfapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ntic-sm/istabot/pkg/embedding"
)

const (
	defaultBaseURL = "https://router.huggingface.co/pipeline/feature-extraction"
	defaultModel   = "sentence-transformers/paraphrase-multilingual-MiniLM-L12-v2"
	defaultTimeout = 30 * time.Second

	// dimension of the multilingual MiniLM model.
	dimension = 384

	// maxAttempts bounds the retry loop for transient failures.
	maxAttempts = 3
)

// Config holds Hugging Face client configuration.
type Config struct {
	// APIKey is the inference token. Optional: anonymous requests work
	// but hit the rate limit sooner.
	APIKey string

	// Model is the feature-extraction model path.
	Model string

	// BaseURL is the API base URL.
	BaseURL string

	// Timeout for API requests.
	Timeout time.Duration
}

// Client implements the embedding.Provider interface for the hosted API.
type Client struct {
	cfg        Config
	httpClient *http.Client

	// Backoff schedules, indexed by attempt. Overridden in tests.
	loadingDelays []time.Duration
	rateDelays    []time.Duration
}

// NewClient creates a Hugging Face embedding client.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		loadingDelays: []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second},
		rateDelays:    []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second},
	}
}

// embeddingRequest is the feature-extraction request body.
type embeddingRequest struct {
	Inputs []string `json:"inputs"`
}

// errorResponse is the API error body. EstimatedTime accompanies
// model-loading responses.
type errorResponse struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time"`
}

// Embed converts a single text into a vector embedding.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, embedding.ErrEmptyInput
	}

	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vecs[0], nil
}

// EmbedBatch converts multiple texts into vector embeddings. Transient
// failures are retried: model-loading responses back off 10/20/30 s and
// rate limits 30/60/90 s, up to three attempts in total. Other failures
// are returned immediately so the chain can fall through.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, embedding.ErrEmptyInput
	}

	// Filter empty texts; they get zero vectors in the result.
	validTexts := make([]string, 0, len(texts))
	validIdx := make([]int, 0, len(texts))
	for i, text := range texts {
		if text != "" {
			validTexts = append(validTexts, text)
			validIdx = append(validIdx, i)
		}
	}
	if len(validTexts) == 0 {
		return nil, embedding.ErrEmptyInput
	}

	body, err := json.Marshal(embeddingRequest{Inputs: validTexts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var vecs [][]float32
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		vecs, lastErr = c.doRequest(ctx, body)
		if lastErr == nil {
			break
		}

		var delay time.Duration
		switch {
		case errors.Is(lastErr, embedding.ErrServiceLoading):
			delay = c.loadingDelays[attempt]
		case errors.Is(lastErr, embedding.ErrRateLimited):
			delay = c.rateDelays[attempt]
		default:
			return nil, lastErr
		}

		if attempt == maxAttempts-1 {
			return nil, lastErr
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	if len(vecs) != len(validTexts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(validTexts), len(vecs))
	}

	// Rebuild the result in original input order.
	results := make([][]float32, len(texts))
	for i, vec := range vecs {
		results[validIdx[i]] = vec
	}
	for i, text := range texts {
		if text == "" {
			results[i] = make([]float32, dimension)
		}
	}
	return results, nil
}

// doRequest performs one API call.
func (c *Client) doRequest(ctx context.Context, body []byte) ([][]float32, error) {
	url := c.cfg.BaseURL + "/" + c.cfg.Model

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, embedding.ErrInvalidAPIKey
		case http.StatusTooManyRequests:
			return nil, embedding.ErrRateLimited
		case http.StatusServiceUnavailable:
			return nil, embedding.ErrServiceLoading
		}
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("API error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("API error: status %d", resp.StatusCode)
	}

	var vecs [][]float32
	if err := json.Unmarshal(respBody, &vecs); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return vecs, nil
}

// Dimension returns the embedding dimension for this model.
func (c *Client) Dimension() int {
	return dimension
}

// Name identifies the hosted provider and its model.
func (c *Client) Name() string {
	return "hf:" + c.cfg.Model
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
