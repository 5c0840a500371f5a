package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
	q  querier
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn against a store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *PostgresStore) InTx(ctx context.Context, fn func(*PostgresStore) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: s.db, q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// =============================================================================
// Boards
// =============================================================================

func (s *PostgresStore) InsertBoard(ctx context.Context, board Board) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO boards (id, name, owner_id, source_suggestion_id)
		VALUES ($1, $2, $3, NULLIF($4, ''))
	`, board.ID, board.Name, board.OwnerID, board.SourceSuggestionID)
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateBoardName(ctx context.Context, boardID, name string) error {
	result, err := s.q.ExecContext(ctx, `UPDATE boards SET name=$2, updated_at=NOW() WHERE id=$1`, boardID, name)
	if err != nil {
		return fmt.Errorf("update board name: %w", err)
	}
	return requireAffected(result, "update board name")
}

func (s *PostgresStore) TouchBoard(ctx context.Context, boardID string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE boards SET updated_at=NOW() WHERE id=$1`, boardID)
	if err != nil {
		return fmt.Errorf("touch board: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBoard(ctx context.Context, boardID, ownerID string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM boards WHERE id=$1 AND owner_id=$2`, boardID, ownerID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	return requireAffected(result, "delete board")
}

func (s *PostgresStore) ListBoards(ctx context.Context, ownerID string) ([]Board, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, owner_id, COALESCE(source_suggestion_id, ''), created_at, updated_at
		FROM boards
		WHERE owner_id=$1
		ORDER BY updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	items := make([]Board, 0)
	for rows.Next() {
		var item Board
		if err := rows.Scan(&item.ID, &item.Name, &item.OwnerID, &item.SourceSuggestionID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		item.Columns = []Column{}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	return items, nil
}

// GetBoard loads the board with its columns, tasks and subtasks, each level
// ordered by sort order.
func (s *PostgresStore) GetBoard(ctx context.Context, boardID, ownerID string) (Board, error) {
	var board Board
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, owner_id, COALESCE(source_suggestion_id, ''), created_at, updated_at
		FROM boards
		WHERE id=$1 AND owner_id=$2
	`, boardID, ownerID).Scan(&board.ID, &board.Name, &board.OwnerID, &board.SourceSuggestionID, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, notFound(err, "get board")
	}

	columns, err := s.listColumns(ctx, boardID)
	if err != nil {
		return Board{}, err
	}
	tasks, err := s.listBoardTasks(ctx, boardID)
	if err != nil {
		return Board{}, err
	}
	subtasks, err := s.listBoardSubtasks(ctx, boardID)
	if err != nil {
		return Board{}, err
	}

	for i := range tasks {
		tasks[i].Subtasks = subtasks[tasks[i].ID]
		if tasks[i].Subtasks == nil {
			tasks[i].Subtasks = []Subtask{}
		}
	}
	byColumn := make(map[string][]Task, len(columns))
	for _, task := range tasks {
		byColumn[task.ColumnID] = append(byColumn[task.ColumnID], task)
	}
	for i := range columns {
		columns[i].Tasks = byColumn[columns[i].ID]
		if columns[i].Tasks == nil {
			columns[i].Tasks = []Task{}
		}
	}
	board.Columns = columns
	return board, nil
}

// FirstColumn returns the lowest-ordered column of the board, scoped to the owner.
func (s *PostgresStore) FirstColumn(ctx context.Context, boardID, ownerID string) (Column, error) {
	var item Column
	err := s.q.QueryRowContext(ctx, `
		SELECT c.id, c.board_id, c.name, c.position, c.sort_order, c.created_at, c.updated_at
		FROM board_columns c
		JOIN boards b ON b.id = c.board_id
		WHERE c.board_id=$1 AND b.owner_id=$2
		ORDER BY c.sort_order ASC
		LIMIT 1
	`, boardID, ownerID).Scan(&item.ID, &item.BoardID, &item.Name, &item.Position, &item.Order, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Column{}, notFound(err, "first column")
	}
	return item, nil
}

// =============================================================================
// Columns
// =============================================================================

func (s *PostgresStore) listColumns(ctx context.Context, boardID string) ([]Column, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, board_id, name, position, sort_order, created_at, updated_at
		FROM board_columns
		WHERE board_id=$1
		ORDER BY sort_order ASC, created_at ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	items := make([]Column, 0)
	for rows.Next() {
		var item Column
		if err := rows.Scan(&item.ID, &item.BoardID, &item.Name, &item.Position, &item.Order, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetColumn(ctx context.Context, columnID, ownerID string) (Column, error) {
	var item Column
	err := s.q.QueryRowContext(ctx, `
		SELECT c.id, c.board_id, c.name, c.position, c.sort_order, c.created_at, c.updated_at
		FROM board_columns c
		JOIN boards b ON b.id = c.board_id
		WHERE c.id=$1 AND b.owner_id=$2
	`, columnID, ownerID).Scan(&item.ID, &item.BoardID, &item.Name, &item.Position, &item.Order, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Column{}, notFound(err, "get column")
	}
	return item, nil
}

func (s *PostgresStore) InsertColumn(ctx context.Context, column Column) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO board_columns (id, board_id, name, position, sort_order)
		VALUES ($1, $2, $3, $4, $5)
	`, column.ID, column.BoardID, column.Name, column.Position, column.Order)
	if err != nil {
		return fmt.Errorf("insert column: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateColumn(ctx context.Context, column Column) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE board_columns
		SET name=$2, position=$3, sort_order=$4, updated_at=NOW()
		WHERE id=$1
	`, column.ID, column.Name, column.Position, column.Order)
	if err != nil {
		return fmt.Errorf("update column: %w", err)
	}
	return requireAffected(result, "update column")
}

// DeleteColumn removes the column; tasks and subtasks go with it through the
// ON DELETE CASCADE foreign keys.
func (s *PostgresStore) DeleteColumn(ctx context.Context, columnID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM board_columns WHERE id=$1`, columnID)
	if err != nil {
		return fmt.Errorf("delete column: %w", err)
	}
	return nil
}

// NextTaskOrder returns the order value that appends a task to the column.
func (s *PostgresStore) NextTaskOrder(ctx context.Context, columnID string) (int, error) {
	var next int
	err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order) + 1, 0) FROM tasks WHERE column_id=$1`, columnID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next task order: %w", err)
	}
	return next, nil
}

// =============================================================================
// Tasks
// =============================================================================

func (s *PostgresStore) listBoardTasks(ctx context.Context, boardID string) ([]Task, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT t.id, t.column_id, t.title, t.description, t.status, t.position, t.sort_order, t.created_at, t.updated_at
		FROM tasks t
		JOIN board_columns c ON c.id = t.column_id
		WHERE c.board_id=$1
		ORDER BY t.sort_order ASC, t.created_at ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		var item Task
		if err := rows.Scan(&item.ID, &item.ColumnID, &item.Title, &item.Description, &item.Status, &item.Position, &item.Order, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID, ownerID string) (Task, error) {
	var item Task
	err := s.q.QueryRowContext(ctx, `
		SELECT t.id, t.column_id, t.title, t.description, t.status, t.position, t.sort_order, t.created_at, t.updated_at
		FROM tasks t
		JOIN board_columns c ON c.id = t.column_id
		JOIN boards b ON b.id = c.board_id
		WHERE t.id=$1 AND b.owner_id=$2
	`, taskID, ownerID).Scan(&item.ID, &item.ColumnID, &item.Title, &item.Description, &item.Status, &item.Position, &item.Order, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Task{}, notFound(err, "get task")
	}
	return item, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	status := task.Status
	if status == "" {
		status = TaskTodo
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tasks (id, column_id, title, description, status, position, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, task.ColumnID, task.Title, task.Description, string(status), task.Position, task.Order)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE tasks
		SET title=$2, description=$3, status=$4, position=$5, sort_order=$6, updated_at=NOW()
		WHERE id=$1
	`, task.ID, task.Title, task.Description, string(task.Status), task.Position, task.Order)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireAffected(result, "update task")
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// =============================================================================
// Subtasks
// =============================================================================

func (s *PostgresStore) listBoardSubtasks(ctx context.Context, boardID string) (map[string][]Subtask, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT st.id, st.task_id, st.title, st.description, st.completed, st.sort_order, st.created_at, st.updated_at
		FROM subtasks st
		JOIN tasks t ON t.id = st.task_id
		JOIN board_columns c ON c.id = t.column_id
		WHERE c.board_id=$1
		ORDER BY st.sort_order ASC, st.created_at ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	items := make(map[string][]Subtask)
	for rows.Next() {
		var item Subtask
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Title, &item.Description, &item.Completed, &item.Order, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		items[item.TaskID] = append(items[item.TaskID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertSubtask(ctx context.Context, subtask Subtask) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO subtasks (id, task_id, title, description, completed, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, subtask.ID, subtask.TaskID, subtask.Title, subtask.Description, subtask.Completed, subtask.Order)
	if err != nil {
		return fmt.Errorf("insert subtask: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSubtask(ctx context.Context, subtask Subtask) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE subtasks
		SET title=$2, description=$3, completed=$4, sort_order=$5, updated_at=NOW()
		WHERE id=$1
	`, subtask.ID, subtask.Title, subtask.Description, subtask.Completed, subtask.Order)
	if err != nil {
		return fmt.Errorf("update subtask: %w", err)
	}
	return requireAffected(result, "update subtask")
}

func (s *PostgresStore) DeleteSubtask(ctx context.Context, subtaskID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM subtasks WHERE id=$1`, subtaskID)
	if err != nil {
		return fmt.Errorf("delete subtask: %w", err)
	}
	return nil
}

// =============================================================================
// Suggestions
// =============================================================================

const suggestionColumns = `id, user_id, session_id, type, status, content::text, original_message, metadata::text, COALESCE(related_suggestion_id, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(row rowScanner) (Suggestion, error) {
	var item Suggestion
	var content, metadata string
	if err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.SessionID,
		&item.Type,
		&item.Status,
		&content,
		&item.OriginalMessage,
		&metadata,
		&item.RelatedSuggestionID,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Suggestion{}, err
	}
	item.Content = json.RawMessage(content)
	if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
		return Suggestion{}, fmt.Errorf("decode suggestion metadata: %w", err)
	}
	return item, nil
}

func encodeSuggestion(item Suggestion) (content string, metadata string, err error) {
	content = "{}"
	if len(item.Content) > 0 {
		content = string(item.Content)
	}
	metadataBytes, err := json.Marshal(item.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("encode suggestion metadata: %w", err)
	}
	return content, string(metadataBytes), nil
}

func (s *PostgresStore) InsertSuggestion(ctx context.Context, item Suggestion) error {
	content, metadata, err := encodeSuggestion(item)
	if err != nil {
		return err
	}
	status := item.Status
	if status == "" {
		status = StatusPending
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO suggestions (id, user_id, session_id, type, status, content, original_message, metadata, related_suggestion_id)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8::jsonb, NULLIF($9, ''))
	`, item.ID, item.UserID, item.SessionID, string(item.Type), string(status), content, item.OriginalMessage, metadata, item.RelatedSuggestionID)
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, suggestionID, userID string) (Suggestion, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id=$1 AND user_id=$2`, suggestionID, userID)
	item, err := scanSuggestion(row)
	if err != nil {
		return Suggestion{}, notFound(err, "get suggestion")
	}
	return item, nil
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, userID string, filter SuggestionFilter) ([]Suggestion, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+suggestionColumns+`
		FROM suggestions
		WHERE user_id=$1
		  AND ($2 = '' OR session_id=$2)
		  AND ($3 = '' OR status=$3)
		ORDER BY created_at ASC
	`, userID, filter.SessionID, string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	items := make([]Suggestion, 0)
	for rows.Next() {
		item, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return items, nil
}

// UpdateSuggestion persists status, content and metadata of an existing suggestion.
func (s *PostgresStore) UpdateSuggestion(ctx context.Context, item Suggestion) error {
	content, metadata, err := encodeSuggestion(item)
	if err != nil {
		return err
	}
	result, err := s.q.ExecContext(ctx, `
		UPDATE suggestions
		SET status=$2, content=$3::jsonb, metadata=$4::jsonb, updated_at=NOW()
		WHERE id=$1
	`, item.ID, string(item.Status), content, metadata)
	if err != nil {
		return fmt.Errorf("update suggestion: %w", err)
	}
	return requireAffected(result, "update suggestion")
}

func (s *PostgresStore) UpdateSuggestionStatus(ctx context.Context, suggestionID string, status SuggestionStatus) error {
	result, err := s.q.ExecContext(ctx, `UPDATE suggestions SET status=$2, updated_at=NOW() WHERE id=$1`, suggestionID, string(status))
	if err != nil {
		return fmt.Errorf("update suggestion status: %w", err)
	}
	return requireAffected(result, "update suggestion status")
}

// LatestBoard returns the owner's most recently updated board without its graph.
func (s *PostgresStore) LatestBoard(ctx context.Context, ownerID string) (Board, error) {
	var board Board
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, owner_id, COALESCE(source_suggestion_id, ''), created_at, updated_at
		FROM boards
		WHERE owner_id=$1
		ORDER BY updated_at DESC
		LIMIT 1
	`, ownerID).Scan(&board.ID, &board.Name, &board.OwnerID, &board.SourceSuggestionID, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, notFound(err, "latest board")
	}
	return board, nil
}
