package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ntic-sm/istabot/pkg/llm"
	"github.com/ntic-sm/istabot/pkg/types"
)

func newTestClient(url string) *Client {
	return NewClient(Config{
		APIKey:  "test-key",
		Model:   "gemini-1.5-flash",
		BaseURL: url,
	})
}

func TestGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want := "/models/gemini-1.5-flash:generateContent"; r.URL.Path != want {
			t.Errorf("path = %q, want %q", r.URL.Path, want)
		}
		if got := r.URL.Query().Get("key"); got != "test-key" {
			t.Errorf("key = %q", got)
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Bonjour !"}]}}]}`)
	}))
	defer server.Close()

	got, err := newTestClient(server.URL).Generate(context.Background(), []types.Message{
		types.UserMessage("bonjour"),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "Bonjour !" {
		t.Errorf("reply = %q", got)
	}
}

func TestGenerateEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Generate(context.Background(), []types.Message{types.UserMessage("x")})
	if !errors.Is(err, llm.ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestGenerateErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusForbidden, llm.ErrInvalidAPIKey},
		{http.StatusTooManyRequests, llm.ErrRateLimited},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := newTestClient(server.URL).Generate(context.Background(), []types.Message{types.UserMessage("x")})
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
		server.Close()
	}
}

func TestGenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want := "/models/gemini-1.5-flash:streamGenerateContent"; r.URL.Path != want {
			t.Errorf("path = %q, want %q", r.URL.Path, want)
		}
		if got := r.URL.Query().Get("alt"); got != "sse" {
			t.Errorf("alt = %q, want sse", got)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Bon\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"jour\"}]}}]}\n\n")
	}))
	defer server.Close()

	stream, err := newTestClient(server.URL).GenerateStream(context.Background(), []types.Message{types.UserMessage("bonjour")})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	text, err := llm.Collect(stream)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if text != "Bonjour" {
		t.Errorf("text = %q", text)
	}
}

// The wire has no system role: the system text rides prefixed to the
// first user message and assistant turns become "model".
func TestTranslateFoldsSystemIntoFirstUserMessage(t *testing.T) {
	var captured generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Generate(context.Background(), []types.Message{
		types.SystemMessage("Tu es l'assistant du campus."),
		types.UserMessage("bonjour"),
		types.AssistantMessage("Salut !"),
		types.UserMessage("quels sont les horaires ?"),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(captured.Contents) != 3 {
		t.Fatalf("contents = %d entries", len(captured.Contents))
	}
	first := captured.Contents[0]
	if first.Role != "user" {
		t.Errorf("first role = %q", first.Role)
	}
	if !strings.HasPrefix(first.Parts[0].Text, "Tu es l'assistant du campus.") ||
		!strings.Contains(first.Parts[0].Text, "bonjour") {
		t.Errorf("system text not folded: %q", first.Parts[0].Text)
	}
	if captured.Contents[1].Role != "model" {
		t.Errorf("assistant role = %q", captured.Contents[1].Role)
	}
	if captured.Contents[2].Role != "user" || strings.Contains(captured.Contents[2].Parts[0].Text, "Tu es") {
		t.Errorf("later user turn altered: %+v", captured.Contents[2])
	}
}

func TestTranslateSystemOnly(t *testing.T) {
	contents := translate([]types.Message{types.SystemMessage("instruction seule")})
	if len(contents) != 1 || contents[0].Role != "user" || contents[0].Parts[0].Text != "instruction seule" {
		t.Errorf("contents = %+v", contents)
	}
}
