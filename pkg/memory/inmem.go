package memory

import (
	"context"
	"sync"

	"github.com/ntic-sm/istabot/pkg/types"
)

// InMemoryStore keeps conversations in process memory. History is lost
// on restart; used when no database is configured and in tests.
type InMemoryStore struct {
	mu     sync.RWMutex
	turns  map[string][]types.Message
	closed bool
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{turns: make(map[string][]types.Message)}
}

// SaveTurn records one exchange, evicting the oldest once the cap is
// reached.
func (s *InMemoryStore) SaveTurn(_ context.Context, userID, userMsg, assistantMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	history := append(s.turns[userID],
		types.UserMessage(truncate(userMsg)),
		types.AssistantMessage(truncate(assistantMsg)))
	if max := MaxContextTurns * 2; len(history) > max {
		history = history[len(history)-max:]
	}
	s.turns[userID] = history
	return nil
}

// LoadContext returns the user's history, oldest first.
func (s *InMemoryStore) LoadContext(_ context.Context, userID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	history := s.turns[userID]
	out := make([]types.Message, len(history))
	copy(out, history)
	return out, nil
}

// Clear forgets the user's history.
func (s *InMemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.turns, userID)
	return nil
}

// Close marks the store unusable.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
