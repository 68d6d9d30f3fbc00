// Package ollama implements the embedding.Provider interface against a
// local ollama daemon. Failed or timed-out requests degrade to zero
// vectors instead of errors so batch shapes stay intact; the chain uses
// Ping to decide whether the daemon is reachable at all.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.2:1b"
	defaultTimeout = 180 * time.Second

	// dimension declared by the default model.
	dimension = 3072
)

// Config holds ollama client configuration.
type Config struct {
	// BaseURL locates the daemon.
	BaseURL string

	// Model is the embedding model to use.
	Model string

	// Timeout for embedding requests. Local generation can be slow on
	// first use while the model loads.
	Timeout time.Duration

	Logger *zap.Logger
}

// Client implements the embedding.Provider interface for ollama.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates an ollama embedding client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// embeddingRequest is the daemon request body. The endpoint takes one
// prompt per call.
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embeddingResponse is the daemon response body.
type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed converts one text into a vector embedding. Any failure yields a
// zero vector of the declared dimension, never an error.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.doRequest(ctx, text)
	if err != nil {
		c.logger.Warn("ollama embedding failed, substituting zero vector",
			zap.String("model", c.cfg.Model),
			zap.Error(err))
		return make([]float32, dimension), nil
	}
	return vec, nil
}

// EmbedBatch embeds each text with its own request; the daemon has no
// native batch endpoint.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// doRequest performs one embedding call.
func (c *Client) doRequest(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.cfg.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.cfg.BaseURL + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon error: status %d", resp.StatusCode)
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(embResp.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	vec := make([]float32, len(embResp.Embedding))
	for i, v := range embResp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Ping reports whether the daemon is reachable. The chain probes with it
// because Embed hides failures behind zero vectors.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon error: status %d", resp.StatusCode)
	}
	return nil
}

// Dimension returns the embedding dimension declared by the model.
func (c *Client) Dimension() int {
	return dimension
}

// Name identifies the daemon provider and its model.
func (c *Client) Name() string {
	return "ollama:" + c.cfg.Model
}
