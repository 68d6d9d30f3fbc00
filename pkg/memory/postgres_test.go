package memory

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ntic-sm/istabot/pkg/types"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: sqlx.NewDb(db, "postgres"), logger: zap.NewNop()}, mock
}

func TestPostgresSaveTurnExistingConversation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM conversations WHERE user_id = \$1 AND is_active`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-1"))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("conv-1", types.RoleUser, "bonjour").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("conv-1", types.RoleAssistant, "Salut !").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`UPDATE conversations SET last_activity`).
		WithArgs("conv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.SaveTurn(context.Background(), "u1", "bonjour", "Salut !"); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresSaveTurnCreatesConversation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM conversations WHERE user_id = \$1 AND is_active`).
		WithArgs("new-user").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO conversations`).
		WithArgs(sqlmock.AnyArg(), "new-user", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id FROM conversations WHERE user_id = \$1 AND is_active`).
		WithArgs("new-user").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-2"))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("conv-2", types.RoleUser, "q").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("conv-2", types.RoleAssistant, "a").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`UPDATE conversations SET last_activity`).
		WithArgs("conv-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.SaveTurn(context.Background(), "new-user", "q", "a"); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresSaveTurnRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM conversations WHERE user_id = \$1 AND is_active`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-1"))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("conv-1", types.RoleUser, "q").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	if err := store.SaveTurn(context.Background(), "u1", "q", "a"); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresLoadContext(t *testing.T) {
	store, mock := newMockStore(t)

	// The query must scope to the active conversation so retired
	// history never feeds the prompt.
	mock.ExpectQuery(`WHERE c\.user_id = \$1 AND c\.is_active`).
		WithArgs("u1", MaxContextTurns*2).
		WillReturnRows(sqlmock.NewRows([]string{"role", "content"}).
			AddRow(types.RoleUser, "bonjour").
			AddRow(types.RoleAssistant, "Salut !"))

	history, err := store.LoadContext(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if len(history) != 2 || history[0].Role != types.RoleUser || history[1].Content != "Salut !" {
		t.Errorf("history = %+v", history)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresClearDeactivates(t *testing.T) {
	store, mock := newMockStore(t)

	// Clear retires the conversation instead of deleting it: the rows
	// must survive for auditing, and the next turn opens a fresh one.
	mock.ExpectExec(`UPDATE conversations SET is_active = FALSE WHERE user_id = \$1 AND is_active`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Clear(context.Background(), "u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresSaveTurnAfterClearOpensFreshConversation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE conversations SET is_active = FALSE`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM conversations WHERE user_id = \$1 AND is_active`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO conversations`).
		WithArgs(sqlmock.AnyArg(), "u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id FROM conversations WHERE user_id = \$1 AND is_active`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-fresh"))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("conv-fresh", types.RoleUser, "on repart ?").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("conv-fresh", types.RoleAssistant, "Oui !").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`UPDATE conversations SET last_activity`).
		WithArgs("conv-fresh").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	if err := store.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := store.SaveTurn(ctx, "u1", "on repart ?", "Oui !"); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
