package sse

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ntic-sm/istabot/pkg/types"
)

func TestNewWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)
	if sw == nil {
		t.Fatal("expected non-nil Writer from httptest.ResponseRecorder")
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	if conn := rec.Header().Get("Connection"); conn != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", conn)
	}
}

// nonFlushWriter does not implement http.Flusher.
type nonFlushWriter struct {
	http.ResponseWriter
}

func TestNewWriter_NoFlusher(t *testing.T) {
	sw := NewWriter(&nonFlushWriter{})
	if sw != nil {
		t.Error("expected nil Writer when ResponseWriter does not support Flusher")
	}
}

func TestSendContentEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)

	if err := sw.Send(types.ContentEvent("Bonjour")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frames := extractFrames(t, rec.Body.String())
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	var evt types.Event
	if err := json.Unmarshal([]byte(frames[0]), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Type != types.EventContent || evt.Content != "Bonjour" {
		t.Errorf("event = %+v", evt)
	}
}

func TestSendEndEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)

	if err := sw.Send(types.EndEvent(types.EndData{
		Reply:    "Bonjour !",
		RAGUsed:  true,
		Language: "fr",
	})); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frames := extractFrames(t, rec.Body.String())
	var evt types.Event
	if err := json.Unmarshal([]byte(frames[0]), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Type != types.EventEnd || evt.Data == nil {
		t.Fatalf("event = %+v", evt)
	}
	if evt.Data.Reply != "Bonjour !" || !evt.Data.RAGUsed || evt.Data.Language != "fr" {
		t.Errorf("data = %+v", evt.Data)
	}
	// Sources must serialize as [] rather than null.
	if !strings.Contains(frames[0], `"sources":[]`) {
		t.Errorf("frame lacks empty sources array: %s", frames[0])
	}
}

func TestSendWholeStream(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)

	events := []types.Event{
		types.StartEvent(),
		types.ContentEvent("Bon"),
		types.ContentEvent("jour"),
		types.EndEvent(types.EndData{Reply: "Bonjour", Language: "fr"}),
	}
	for _, event := range events {
		if err := sw.Send(event); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	frames := extractFrames(t, rec.Body.String())
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(frames))
	}

	var reply strings.Builder
	var last types.Event
	for _, frame := range frames {
		var evt types.Event
		if err := json.Unmarshal([]byte(frame), &evt); err != nil {
			t.Fatalf("unmarshal %q: %v", frame, err)
		}
		if evt.Type == types.EventContent {
			reply.WriteString(evt.Content)
		}
		last = evt
	}
	if last.Type != types.EventEnd {
		t.Errorf("last event = %q, want end", last.Type)
	}
	if reply.String() != last.Data.Reply {
		t.Errorf("content concatenation %q != reply %q", reply.String(), last.Data.Reply)
	}
}

func TestSendErrorEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)

	if err := sw.Send(types.ErrorEvent("tous les fournisseurs sont indisponibles")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frames := extractFrames(t, rec.Body.String())
	var evt types.Event
	if err := json.Unmarshal([]byte(frames[0]), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Type != types.EventError || evt.Message == "" {
		t.Errorf("event = %+v", evt)
	}
}

// extractFrames splits the body into the JSON payloads of its data
// frames.
func extractFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(frames) == 0 {
		t.Fatalf("no data frames in:\n%s", body)
	}
	return frames
}
