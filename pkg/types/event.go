package types

// EventType tags one element of an answer stream.
type EventType string

// Stream event kinds. A well-formed stream is an optional start, zero or
// more content events, then exactly one end or error.
const (
	EventStart   EventType = "start"
	EventContent EventType = "content"
	EventEnd     EventType = "end"
	EventError   EventType = "error"
)

// Event is one tagged element of an answer stream. The JSON shape is part
// of the client contract: content rides at the top level, end payloads
// nest under data, errors carry message.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Data    *EndData  `json:"data,omitempty"`
	Message string    `json:"message,omitempty"`
}

// EndData is the payload of the terminal end event. Reply equals the
// concatenation of every content chunk that preceded it, byte for byte.
type EndData struct {
	Reply    string   `json:"reply"`
	Sources  []Source `json:"sources"`
	RAGUsed  bool     `json:"rag_used"`
	Language string   `json:"language"`
	Cached   bool     `json:"cached,omitempty"`
}

// StartEvent builds the optional stream-opening event.
func StartEvent() Event {
	return Event{Type: EventStart}
}

// ContentEvent builds a content event carrying one token.
func ContentEvent(token string) Event {
	return Event{Type: EventContent, Content: token}
}

// EndEvent builds the terminal end event. Sources is normalized to an
// empty slice so it serializes as [] rather than null.
func EndEvent(data EndData) Event {
	if data.Sources == nil {
		data.Sources = []Source{}
	}
	return Event{Type: EventEnd, Data: &data}
}

// ErrorEvent builds the terminal error event.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}
