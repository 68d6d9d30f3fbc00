package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ntic-sm/istabot/pkg/types"
)

// schema creates the two conversation tables. At most one active
// conversation per user; retired conversations and their messages stay
// on disk for auditing.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            UUID PRIMARY KEY,
	user_id       TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_activity TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active
	ON conversations (user_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS messages (
	id              BIGSERIAL PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_id, id);
`

// PostgresStore persists conversations in PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects to the database, verifies the connection
// and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("conversation database unreachable: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure conversation schema: %w", err)
	}

	logger.Info("conversation store ready")
	return &PostgresStore{db: db, logger: logger}, nil
}

// SaveTurn records one exchange inside a transaction so a crash never
// leaves a user message without its answer.
func (s *PostgresStore) SaveTurn(ctx context.Context, userID, userMsg, assistantMsg string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	convID, err := s.ensureConversation(ctx, tx, userID)
	if err != nil {
		return err
	}

	const insert = `INSERT INTO messages (conversation_id, role, content) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, insert, convID, types.RoleUser, truncate(userMsg)); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert, convID, types.RoleAssistant, truncate(assistantMsg)); err != nil {
		return fmt.Errorf("failed to save assistant message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity = now() WHERE id = $1`, convID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	return nil
}

// ensureConversation returns the user's active conversation id,
// opening a fresh one on first contact or after a Clear.
func (s *PostgresStore) ensureConversation(ctx context.Context, tx *sqlx.Tx, userID string) (string, error) {
	var id string
	err := tx.GetContext(ctx, &id,
		`SELECT id FROM conversations WHERE user_id = $1 AND is_active`, userID)
	if err == nil {
		return id, nil
	}

	id = uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, session_id) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) WHERE is_active DO NOTHING`, id, userID, uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}

	// A concurrent writer may have won the insert race.
	if err := tx.GetContext(ctx, &id,
		`SELECT id FROM conversations WHERE user_id = $1 AND is_active`, userID); err != nil {
		return "", fmt.Errorf("failed to resolve conversation: %w", err)
	}
	return id, nil
}

// LoadContext returns the most recent exchanges of the user's active
// conversation, oldest first. Retired conversations never leak back
// into the prompt.
func (s *PostgresStore) LoadContext(ctx context.Context, userID string) ([]types.Message, error) {
	const query = `
		SELECT role, content FROM (
			SELECT m.id, m.role, m.content
			FROM messages m
			JOIN conversations c ON c.id = m.conversation_id
			WHERE c.user_id = $1 AND c.is_active
			ORDER BY m.id DESC
			LIMIT $2
		) recent ORDER BY id ASC`

	rows := []struct {
		Role    string `db:"role"`
		Content string `db:"content"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, query, userID, MaxContextTurns*2); err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	messages := make([]types.Message, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, types.Message{Role: r.Role, Content: r.Content})
	}
	return messages, nil
}

// Clear retires the user's active conversation. The rows stay on disk;
// the next SaveTurn opens a fresh conversation.
func (s *PostgresStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET is_active = FALSE WHERE user_id = $1 AND is_active`, userID); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
