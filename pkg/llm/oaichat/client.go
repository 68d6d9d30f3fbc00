// Package oaichat implements the llm.Provider interface against any
// service speaking the OpenAI chat-completions wire format. Groq and
// OpenAI itself both do, so one client covers two hops of the provider
// chain, differing only in base URL, model and credentials.
package oaichat

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
	// GroqBaseURL is the OpenAI-compatible Groq endpoint.
	GroqBaseURL = "https://api.groq.com/openai/v1"

	// OpenAIBaseURL is the native OpenAI endpoint.
	OpenAIBaseURL = "https://api.openai.com/v1"

	defaultTimeout     = 30 * time.Second
	defaultTemperature = 0.3
	defaultMaxTokens   = 1024

	// doneSentinel terminates an SSE completion stream.
	doneSentinel = "[DONE]"
)

// Config holds chat client configuration.
type Config struct {
	// Name identifies the provider in logs ("groq", "openai").
	Name string

	// BaseURL of the chat-completions API.
	BaseURL string

	// APIKey authorizes requests.
	APIKey string

	// Model to complete with.
	Model string

	// Temperature of the sampling.
	Temperature float64

	// MaxTokens caps the completion length.
	MaxTokens int

	// Timeout bounds a whole non-streaming call and the connection
	// phase of a streaming one.
	Timeout time.Duration
}

// Client implements llm.Provider over the OpenAI chat wire.
type Client struct {
	cfg    Config
	client *http.Client

	// streamClient carries no global timeout: a healthy stream may
	// legitimately outlive the per-call budget, and the caller's
	// context still bounds it.
	streamClient *http.Client
}

// NewClient creates a chat-completions client.
func NewClient(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "oaichat"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenAIBaseURL
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
	return c.cfg.Name
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream,omitempty"`
}

// chatResponse is the non-streaming response body.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// streamEvent is one SSE data frame of a streaming completion.
type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Generate returns the whole completion.
func (c *Client) Generate(ctx context.Context, messages []types.Message) (string, error) {
	resp, err := c.post(ctx, c.client, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%s: failed to read response: %w", c.cfg.Name, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%s: failed to parse response: %w", c.cfg.Name, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%s: API error: %s", c.cfg.Name, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%s: %w", c.cfg.Name, llm.ErrEmptyResponse)
	}
	return parsed.Choices[0].Message.Content, nil
}

// GenerateStream opens a streaming completion and forwards the token
// deltas in emission order.
func (c *Client) GenerateStream(ctx context.Context, messages []types.Message) (<-chan llm.Chunk, error) {
	resp, err := c.post(ctx, c.streamClient, messages, true)
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
			payload := strings.TrimPrefix(line, "data: ")
			if payload == doneSentinel {
				return
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				// Skip unparseable keep-alive noise.
				continue
			}
			if len(event.Choices) == 0 || event.Choices[0].Delta.Content == "" {
				continue
			}

			select {
			case out <- llm.Chunk{Token: event.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- llm.Chunk{Err: fmt.Errorf("%s: stream read failed: %w", c.cfg.Name, err)}
		}
	}()
	return out, nil
}

// post issues one chat-completions request and maps HTTP failures to
// provider errors.
func (c *Client) post(ctx context.Context, client *http.Client, messages []types.Message, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal request: %w", c.cfg.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", c.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.cfg.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%s: %w", c.cfg.Name, llm.ErrInvalidAPIKey)
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("%s: %w", c.cfg.Name, llm.ErrRateLimited)
		}
		return nil, fmt.Errorf("%s: API error: status %d: %s", c.cfg.Name, resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	return resp, nil
}
