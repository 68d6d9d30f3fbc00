// Package sse provides Server-Sent Events support for streaming answer
// tokens to clients. Every frame is a bare `data:` line carrying one
// JSON-encoded stream event; the event kind rides inside the payload.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ntic-sm/istabot/pkg/types"
)

// Writer wraps an http.ResponseWriter for SSE output. It sets the
// required headers and flushes after every event so tokens reach the
// client as they are generated.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares the response for SSE streaming.
// Returns nil if the ResponseWriter does not support flushing.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}
}

// Send writes a single event frame and flushes.
func (s *Writer) Send(event types.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
