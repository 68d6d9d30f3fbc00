// Package memory persists conversation turns per user so follow-up
// questions keep their context. The Postgres store is the production
// backend; the in-memory store backs tests and keyless local runs.
package memory

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/ntic-sm/istabot/pkg/types"
)

const (
	// MaxContextTurns bounds how many past exchanges feed the prompt.
	MaxContextTurns = 10

	// MaxMessageLen caps stored messages, counted in characters.
	MaxMessageLen = 10000
)

// ErrClosed is returned on use after Close.
var ErrClosed = errors.New("memory store closed")

// Store persists and recalls conversation history.
type Store interface {
	// SaveTurn records one user/assistant exchange.
	SaveTurn(ctx context.Context, userID, userMsg, assistantMsg string) error

	// LoadContext returns the most recent exchanges for a user as an
	// alternating user/assistant message list, oldest first, capped at
	// MaxContextTurns exchanges. An unknown user yields an empty list.
	LoadContext(ctx context.Context, userID string) ([]types.Message, error)

	// Clear retires the user's active conversation; the next turn
	// starts a fresh one with no carried context.
	Clear(ctx context.Context, userID string) error

	// Close releases the backing resources.
	Close() error
}

// truncate caps a message at MaxMessageLen characters. Cutting on a
// rune boundary keeps the stored text valid UTF-8; Postgres rejects
// TEXT values with a split multi-byte sequence.
func truncate(s string) string {
	if len(s) <= MaxMessageLen || utf8.RuneCountInString(s) <= MaxMessageLen {
		return s
	}
	return string([]rune(s)[:MaxMessageLen])
}
