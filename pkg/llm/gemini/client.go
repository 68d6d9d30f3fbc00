// Package gemini implements the llm.Provider interface against the
// Google generative-language API. Gemini speaks a two-role wire format
// without a system role, so the system instruction is folded into the
// first user message before translation.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ntic-sm/istabot/pkg/llm"
	"github.com/ntic-sm/istabot/pkg/types"
)

const (
	defaultBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel       = "gemini-1.5-flash"
	defaultTimeout     = 30 * time.Second
	defaultTemperature = 0.3
	defaultMaxTokens   = 1024
)

// Config holds Gemini client configuration.
type Config struct {
	// APIKey authorizes requests; Gemini takes it as a query param.
	APIKey string

	// Model to complete with.
	Model string

	// BaseURL of the API.
	BaseURL string

	// Temperature of the sampling.
	Temperature float64

	// MaxTokens caps the completion length.
	MaxTokens int

	// Timeout bounds a whole non-streaming call.
	Timeout time.Duration
}

// Client implements llm.Provider for Gemini.
type Client struct {
	cfg          Config
	client       *http.Client
	streamClient *http.Client
}

// NewClient creates a Gemini client.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
	}
}

// Name identifies the provider.
func (c *Client) Name() string {
	return "gemini"
}

// part is one text fragment of a Gemini content entry.
type part struct {
	Text string `json:"text"`
}

// content is one entry of the Gemini conversation. Role is "user" or
// "model".
type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// generateRequest is the generateContent request body.
type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

// generateResponse is the generateContent response body, also the shape
// of each streamed SSE frame.
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate returns the whole completion.
func (c *Client) Generate(ctx context.Context, messages []types.Message) (string, error) {
	resp, err := c.post(ctx, c.client, ":generateContent", "", messages)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gemini: failed to read response: %w", err)
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("gemini: failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("gemini: API error: %s", parsed.Error.Message)
	}

	text := firstText(parsed)
	if text == "" {
		return "", fmt.Errorf("gemini: %w", llm.ErrEmptyResponse)
	}
	return text, nil
}

// GenerateStream opens a streaming completion. Gemini streams SSE
// frames shaped like the whole response, each carrying one text delta,
// and terminates by closing the connection.
func (c *Client) GenerateStream(ctx context.Context, messages []types.Message) (<-chan llm.Chunk, error) {
	resp, err := c.post(ctx, c.streamClient, ":streamGenerateContent", "alt=sse", messages)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var frame generateResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
				continue
			}
			token := firstText(frame)
			if token == "" {
				continue
			}

			select {
			case out <- llm.Chunk{Token: token}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- llm.Chunk{Err: fmt.Errorf("gemini: stream read failed: %w", err)}
		}
	}()
	return out, nil
}

// post issues one API call.
func (c *Client) post(ctx context.Context, client *http.Client, method, query string, messages []types.Message) (*http.Response, error) {
	body, err := json.Marshal(generateRequest{
		Contents: translate(messages),
		GenerationConfig: generationConfig{
			Temperature:     c.cfg.Temperature,
			MaxOutputTokens: c.cfg.MaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s%s?key=%s", c.cfg.BaseURL, c.cfg.Model, method, c.cfg.APIKey)
	if query != "" {
		url += "&" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("gemini: %w", llm.ErrInvalidAPIKey)
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("gemini: %w", llm.ErrRateLimited)
		}
		return nil, fmt.Errorf("gemini: API error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	return resp, nil
}

// translate maps the unified message list to Gemini contents. The
// system message has no native slot and is prefixed to the first user
// message; assistant turns become the "model" role.
func translate(messages []types.Message) []content {
	var system string
	contents := make([]content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case types.RoleAssistant:
			contents = append(contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			text := m.Content
			if system != "" {
				text = system + "\n\n" + text
				system = ""
			}
			contents = append(contents, content{Role: "user", Parts: []part{{Text: text}}})
		}
	}

	// A prompt with no user message still has to carry the system text.
	if system != "" {
		contents = append(contents, content{Role: "user", Parts: []part{{Text: system}}})
	}
	return contents
}

// firstText extracts the first candidate's text.
func firstText(resp generateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}
