package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of the PostgresStore API. It
// backs the service when no DATABASE_URL is configured and is the store used
// by package tests. Foreign-key cascades are reproduced explicitly.
type MemoryStore struct {
	*memoryState
	// journal is set only on the view handed to an InTx callback.
	journal *memoryJournal
}

type memoryState struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	last time.Time

	boards      map[string]Board
	columns     map[string]Column
	tasks       map[string]Task
	subtasks    map[string]Subtask
	suggestions map[string]Suggestion
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memoryState: &memoryState{
		boards:      make(map[string]Board),
		columns:     make(map[string]Column),
		tasks:       make(map[string]Task),
		subtasks:    make(map[string]Subtask),
		suggestions: make(map[string]Suggestion),
	}}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// tick returns a strictly increasing timestamp so recency ordering is stable.
// Callers must hold mu.
func (s *MemoryStore) tick() time.Time {
	now := time.Now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// memoryJournal records how to undo each write made inside a transaction.
type memoryJournal struct {
	undo []func()
}

func (j *memoryJournal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
}

// remember captures the current value of m[key] before it changes. Callers
// must hold mu.
func remember[V any](s *MemoryStore, m map[string]V, key string) {
	if s.journal == nil {
		return
	}
	prev, existed := m[key]
	s.journal.undo = append(s.journal.undo, func() {
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

func put[V any](s *MemoryStore, m map[string]V, key string, value V) {
	remember(s, m, key)
	m[key] = value
}

func drop[V any](s *MemoryStore, m map[string]V, key string) {
	remember(s, m, key)
	delete(m, key)
}

// InTx runs fn against a journaling view of the store. When fn fails only
// the rows fn itself wrote are put back; concurrent writes made outside the
// transaction survive. Transactions are serialized with each other but are
// not isolated from concurrent readers.
func (s *MemoryStore) InTx(ctx context.Context, fn func(*MemoryStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &MemoryStore{memoryState: s.memoryState, journal: &memoryJournal{}}
	if err := fn(tx); err != nil {
		s.mu.Lock()
		tx.journal.rollback()
		s.mu.Unlock()
		return err
	}
	return nil
}

// =============================================================================
// Boards
// =============================================================================

func (s *MemoryStore) InsertBoard(_ context.Context, board Board) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.boards[board.ID]; exists {
		return fmt.Errorf("insert board: duplicate id %s", board.ID)
	}
	now := s.tick()
	board.Columns = nil
	board.CreatedAt, board.UpdatedAt = now, now
	put(s, s.boards, board.ID, board)
	return nil
}

func (s *MemoryStore) UpdateBoardName(_ context.Context, boardID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	board, ok := s.boards[boardID]
	if !ok {
		return fmt.Errorf("update board name: %w", ErrNotFound)
	}
	board.Name = name
	board.UpdatedAt = s.tick()
	put(s, s.boards, boardID, board)
	return nil
}

func (s *MemoryStore) TouchBoard(_ context.Context, boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if board, ok := s.boards[boardID]; ok {
		board.UpdatedAt = s.tick()
		put(s, s.boards, boardID, board)
	}
	return nil
}

func (s *MemoryStore) DeleteBoard(_ context.Context, boardID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	board, ok := s.boards[boardID]
	if !ok || board.OwnerID != ownerID {
		return fmt.Errorf("delete board: %w", ErrNotFound)
	}
	for id, column := range s.columns {
		if column.BoardID == boardID {
			s.deleteColumnLocked(id)
		}
	}
	drop(s, s.boards, boardID)
	return nil
}

func (s *MemoryStore) ListBoards(_ context.Context, ownerID string) ([]Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Board, 0)
	for _, board := range s.boards {
		if board.OwnerID == ownerID {
			board.Columns = []Column{}
			items = append(items, board)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	return items, nil
}

func (s *MemoryStore) LatestBoard(ctx context.Context, ownerID string) (Board, error) {
	boards, _ := s.ListBoards(ctx, ownerID)
	if len(boards) == 0 {
		return Board{}, fmt.Errorf("latest board: %w", ErrNotFound)
	}
	return boards[0], nil
}

func (s *MemoryStore) GetBoard(_ context.Context, boardID, ownerID string) (Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	board, ok := s.boards[boardID]
	if !ok || board.OwnerID != ownerID {
		return Board{}, fmt.Errorf("get board: %w", ErrNotFound)
	}

	board.Columns = []Column{}
	for _, column := range s.columns {
		if column.BoardID != boardID {
			continue
		}
		column.Tasks = []Task{}
		for _, task := range s.tasks {
			if task.ColumnID != column.ID {
				continue
			}
			task.Subtasks = []Subtask{}
			for _, subtask := range s.subtasks {
				if subtask.TaskID == task.ID {
					task.Subtasks = append(task.Subtasks, subtask)
				}
			}
			sort.Slice(task.Subtasks, func(i, j int) bool {
				return lessOrder(task.Subtasks[i].Order, task.Subtasks[j].Order, task.Subtasks[i].CreatedAt, task.Subtasks[j].CreatedAt)
			})
			column.Tasks = append(column.Tasks, task)
		}
		sort.Slice(column.Tasks, func(i, j int) bool {
			return lessOrder(column.Tasks[i].Order, column.Tasks[j].Order, column.Tasks[i].CreatedAt, column.Tasks[j].CreatedAt)
		})
		board.Columns = append(board.Columns, column)
	}
	sort.Slice(board.Columns, func(i, j int) bool {
		return lessOrder(board.Columns[i].Order, board.Columns[j].Order, board.Columns[i].CreatedAt, board.Columns[j].CreatedAt)
	})
	return board, nil
}

func lessOrder(a, b int, createdA, createdB time.Time) bool {
	if a != b {
		return a < b
	}
	return createdA.Before(createdB)
}

func (s *MemoryStore) ownsBoard(boardID, ownerID string) bool {
	board, ok := s.boards[boardID]
	return ok && board.OwnerID == ownerID
}

func (s *MemoryStore) FirstColumn(_ context.Context, boardID, ownerID string) (Column, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first *Column
	if s.ownsBoard(boardID, ownerID) {
		for _, column := range s.columns {
			if column.BoardID != boardID {
				continue
			}
			if first == nil || lessOrder(column.Order, first.Order, column.CreatedAt, first.CreatedAt) {
				c := column
				first = &c
			}
		}
	}
	if first == nil {
		return Column{}, fmt.Errorf("first column: %w", ErrNotFound)
	}
	return *first, nil
}

// =============================================================================
// Columns
// =============================================================================

func (s *MemoryStore) GetColumn(_ context.Context, columnID, ownerID string) (Column, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	column, ok := s.columns[columnID]
	if !ok || !s.ownsBoard(column.BoardID, ownerID) {
		return Column{}, fmt.Errorf("get column: %w", ErrNotFound)
	}
	return column, nil
}

func (s *MemoryStore) InsertColumn(_ context.Context, column Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boards[column.BoardID]; !ok {
		return fmt.Errorf("insert column: board %s: %w", column.BoardID, ErrNotFound)
	}
	if _, exists := s.columns[column.ID]; exists {
		return fmt.Errorf("insert column: duplicate id %s", column.ID)
	}
	now := s.tick()
	column.Tasks = nil
	column.CreatedAt, column.UpdatedAt = now, now
	put(s, s.columns, column.ID, column)
	return nil
}

func (s *MemoryStore) UpdateColumn(_ context.Context, column Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.columns[column.ID]
	if !ok {
		return fmt.Errorf("update column: %w", ErrNotFound)
	}
	current.Name = column.Name
	current.Position = column.Position
	current.Order = column.Order
	current.UpdatedAt = s.tick()
	put(s, s.columns, column.ID, current)
	return nil
}

func (s *MemoryStore) DeleteColumn(_ context.Context, columnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteColumnLocked(columnID)
	return nil
}

func (s *MemoryStore) deleteColumnLocked(columnID string) {
	for id, task := range s.tasks {
		if task.ColumnID == columnID {
			s.deleteTaskLocked(id)
		}
	}
	drop(s, s.columns, columnID)
}

func (s *MemoryStore) NextTaskOrder(_ context.Context, columnID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := 0
	for _, task := range s.tasks {
		if task.ColumnID == columnID && task.Order+1 > next {
			next = task.Order + 1
		}
	}
	return next, nil
}

// =============================================================================
// Tasks
// =============================================================================

func (s *MemoryStore) GetTask(_ context.Context, taskID, ownerID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("get task: %w", ErrNotFound)
	}
	column, ok := s.columns[task.ColumnID]
	if !ok || !s.ownsBoard(column.BoardID, ownerID) {
		return Task{}, fmt.Errorf("get task: %w", ErrNotFound)
	}
	return task, nil
}

func (s *MemoryStore) InsertTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.columns[task.ColumnID]; !ok {
		return fmt.Errorf("insert task: column %s: %w", task.ColumnID, ErrNotFound)
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("insert task: duplicate id %s", task.ID)
	}
	if task.Status == "" {
		task.Status = TaskTodo
	}
	now := s.tick()
	task.Subtasks = nil
	task.CreatedAt, task.UpdatedAt = now, now
	put(s, s.tasks, task.ID, task)
	return nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok {
		return fmt.Errorf("update task: %w", ErrNotFound)
	}
	current.Title = task.Title
	current.Description = task.Description
	current.Status = task.Status
	current.Position = task.Position
	current.Order = task.Order
	current.UpdatedAt = s.tick()
	put(s, s.tasks, task.ID, current)
	return nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteTaskLocked(taskID)
	return nil
}

func (s *MemoryStore) deleteTaskLocked(taskID string) {
	for id, subtask := range s.subtasks {
		if subtask.TaskID == taskID {
			drop(s, s.subtasks, id)
		}
	}
	drop(s, s.tasks, taskID)
}

// =============================================================================
// Subtasks
// =============================================================================

func (s *MemoryStore) InsertSubtask(_ context.Context, subtask Subtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[subtask.TaskID]; !ok {
		return fmt.Errorf("insert subtask: task %s: %w", subtask.TaskID, ErrNotFound)
	}
	if _, exists := s.subtasks[subtask.ID]; exists {
		return fmt.Errorf("insert subtask: duplicate id %s", subtask.ID)
	}
	now := s.tick()
	subtask.CreatedAt, subtask.UpdatedAt = now, now
	put(s, s.subtasks, subtask.ID, subtask)
	return nil
}

func (s *MemoryStore) UpdateSubtask(_ context.Context, subtask Subtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.subtasks[subtask.ID]
	if !ok {
		return fmt.Errorf("update subtask: %w", ErrNotFound)
	}
	current.Title = subtask.Title
	current.Description = subtask.Description
	current.Completed = subtask.Completed
	current.Order = subtask.Order
	current.UpdatedAt = s.tick()
	put(s, s.subtasks, subtask.ID, current)
	return nil
}

func (s *MemoryStore) DeleteSubtask(_ context.Context, subtaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop(s, s.subtasks, subtaskID)
	return nil
}

// =============================================================================
// Suggestions
// =============================================================================

func copySuggestion(item Suggestion) Suggestion {
	if item.Content != nil {
		item.Content = append(json.RawMessage(nil), item.Content...)
	}
	if item.Metadata.Extra != nil {
		item.Metadata.Extra = cloneMap(item.Metadata.Extra)
	}
	return item
}

func (s *MemoryStore) InsertSuggestion(_ context.Context, item Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.suggestions[item.ID]; exists {
		return fmt.Errorf("insert suggestion: duplicate id %s", item.ID)
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if len(item.Content) == 0 {
		item.Content = json.RawMessage(`{}`)
	}
	now := s.tick()
	item.CreatedAt, item.UpdatedAt = now, now
	put(s, s.suggestions, item.ID, copySuggestion(item))
	return nil
}

func (s *MemoryStore) GetSuggestion(_ context.Context, suggestionID, userID string) (Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.suggestions[suggestionID]
	if !ok || item.UserID != userID {
		return Suggestion{}, fmt.Errorf("get suggestion: %w", ErrNotFound)
	}
	return copySuggestion(item), nil
}

func (s *MemoryStore) ListSuggestions(_ context.Context, userID string, filter SuggestionFilter) ([]Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Suggestion, 0)
	for _, item := range s.suggestions {
		if item.UserID != userID {
			continue
		}
		if filter.SessionID != "" && item.SessionID != filter.SessionID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		items = append(items, copySuggestion(item))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) UpdateSuggestion(_ context.Context, item Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.suggestions[item.ID]
	if !ok {
		return fmt.Errorf("update suggestion: %w", ErrNotFound)
	}
	current.Status = item.Status
	current.Content = item.Content
	current.Metadata = item.Metadata
	current.UpdatedAt = s.tick()
	put(s, s.suggestions, item.ID, copySuggestion(current))
	return nil
}

func (s *MemoryStore) UpdateSuggestionStatus(_ context.Context, suggestionID string, status SuggestionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.suggestions[suggestionID]
	if !ok {
		return fmt.Errorf("update suggestion status: %w", ErrNotFound)
	}
	current.Status = status
	current.UpdatedAt = s.tick()
	put(s, s.suggestions, suggestionID, current)
	return nil
}

// Counts reports how many rows of each kind are stored. Tests use it to
// detect orphans and duplicate creation.
func (s *MemoryStore) Counts() (boards, columns, tasks, subtasks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.boards), len(s.columns), len(s.tasks), len(s.subtasks)
}

// Orphans lists ids of rows whose parent no longer exists.
func (s *MemoryStore) Orphans() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var orphans []string
	for id, column := range s.columns {
		if _, ok := s.boards[column.BoardID]; !ok {
			orphans = append(orphans, id)
		}
	}
	for id, task := range s.tasks {
		if _, ok := s.columns[task.ColumnID]; !ok {
			orphans = append(orphans, id)
		}
	}
	for id, subtask := range s.subtasks {
		if _, ok := s.tasks[subtask.TaskID]; !ok {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	return orphans
}
