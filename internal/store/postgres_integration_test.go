package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardpilot/api/internal/util"
)

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"))
	require.NoError(t, err)
	return NewPostgresStore(db)
}

func TestPostgresBoardGraphCascade(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	owner := util.NewID("usr")
	boardID := util.NewID("brd")

	require.NoError(t, s.InsertBoard(ctx, Board{ID: boardID, Name: "Launch", OwnerID: owner}))
	columnID := util.NewID("col")
	require.NoError(t, s.InsertColumn(ctx, Column{ID: columnID, BoardID: boardID, Name: "Todo"}))
	taskID := util.NewID("tsk")
	require.NoError(t, s.InsertTask(ctx, Task{ID: taskID, ColumnID: columnID, Title: "Write plan"}))
	require.NoError(t, s.InsertSubtask(ctx, Subtask{ID: util.NewID("sub"), TaskID: taskID, Title: "Outline"}))

	board, err := s.GetBoard(ctx, boardID, owner)
	require.NoError(t, err)
	require.Len(t, board.Columns, 1)
	require.Len(t, board.Columns[0].Tasks, 1)
	assert.Equal(t, TaskTodo, board.Columns[0].Tasks[0].Status)
	require.Len(t, board.Columns[0].Tasks[0].Subtasks, 1)

	require.NoError(t, s.DeleteColumn(ctx, columnID))
	_, err = s.GetTask(ctx, taskID, owner)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteBoard(ctx, boardID, owner))
	_, err = s.GetBoard(ctx, boardID, owner)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresInTxRollsBack(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	owner := util.NewID("usr")
	boardID := util.NewID("brd")
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx *PostgresStore) error {
		if err := tx.InsertBoard(ctx, Board{ID: boardID, Name: "Temp", OwnerID: owner}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetBoard(ctx, boardID, owner)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresSuggestionRoundTrip(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	owner := util.NewID("usr")
	id := util.NewID("sug")

	require.NoError(t, s.InsertSuggestion(ctx, Suggestion{
		ID:        id,
		UserID:    owner,
		SessionID: "chat-1",
		Type:      SuggestionTaskImprovement,
		Content:   json.RawMessage(`{"improvedTask":{"title":"Better"}}`),
		Metadata:  SuggestionMetadata{TaskID: "tsk_1"},
	}))

	got, err := s.GetSuggestion(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "tsk_1", got.Metadata.TaskID)
	assert.JSONEq(t, `{"improvedTask":{"title":"Better"}}`, string(got.Content))

	got.Status = StatusAccepted
	got.Metadata.BoardID = "brd_1"
	require.NoError(t, s.UpdateSuggestion(ctx, got))

	listed, err := s.ListSuggestions(ctx, owner, SuggestionFilter{SessionID: "chat-1", Status: StatusAccepted})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "brd_1", listed[0].Metadata.BoardID)
}

func TestPostgresRejectsUnknownTaskStatus(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	owner := util.NewID("usr")
	boardID := util.NewID("brd")
	columnID := util.NewID("col")
	require.NoError(t, s.InsertBoard(ctx, Board{ID: boardID, Name: "B", OwnerID: owner}))
	require.NoError(t, s.InsertColumn(ctx, Column{ID: columnID, BoardID: boardID, Name: "Todo"}))

	err := s.InsertTask(ctx, Task{ID: util.NewID("tsk"), ColumnID: columnID, Title: "x", Status: "Blocked"})
	require.Error(t, err)

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "23514", pgErr.SQLState())
}
