package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardpilot/api/internal/boardctx"
	"boardpilot/api/internal/store"
)

func newTestReconciler(mem *store.MemoryStore, opts Options) *Reconciler {
	return New(mem, opts).WithTx(MemoryTx(mem))
}

func collectIDs(board store.Board) []string {
	var ids []string
	for _, column := range board.Columns {
		ids = append(ids, column.ID)
		for _, task := range column.Tasks {
			ids = append(ids, task.ID)
			for _, subtask := range task.Subtasks {
				ids = append(ids, subtask.ID)
			}
		}
	}
	return ids
}

func collectOrders(board store.Board) []int {
	var orders []int
	for _, column := range board.Columns {
		orders = append(orders, column.Order)
		for _, task := range column.Tasks {
			orders = append(orders, task.Order)
			for _, subtask := range task.Subtasks {
				orders = append(orders, subtask.Order)
			}
		}
	}
	return orders
}

func richContext() boardctx.BoardContext {
	return boardctx.BoardContext{
		Name: "Launch",
		Columns: []boardctx.ColumnContext{
			{Name: "Todo", Tasks: []boardctx.TaskContext{
				{Title: "Write plan", Description: "one pager", Subtasks: []boardctx.SubtaskContext{
					{Title: "Outline"}, {Title: "Review", Description: "with team"},
				}},
				{Title: "Book venue"},
			}},
			{Name: "Doing", Position: boardctx.IntPtr(5)},
			{Name: "Done", Tasks: []boardctx.TaskContext{{Title: "Kickoff"}}},
		},
	}
}

func TestCreateFromContextBuildsOrderedGraph(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, DefaultOptions())

	res, err := r.CreateFromContext(context.Background(), richContext(), "u1", "sug_1")
	require.NoError(t, err)

	board := res.Board
	assert.Equal(t, "Launch", board.Name)
	assert.Equal(t, "u1", board.OwnerID)
	assert.Equal(t, "sug_1", board.SourceSuggestionID)
	require.Len(t, board.Columns, 3)
	assert.Equal(t, []string{"Todo", "Doing", "Done"}, []string{board.Columns[0].Name, board.Columns[1].Name, board.Columns[2].Name})
	assert.Equal(t, 1, board.Columns[1].Order)
	assert.Equal(t, 5, board.Columns[1].Position)
	assert.Equal(t, 2, board.Columns[2].Position)

	todo := board.Columns[0]
	require.Len(t, todo.Tasks, 2)
	assert.Equal(t, store.TaskTodo, todo.Tasks[0].Status)
	require.Len(t, todo.Tasks[0].Subtasks, 2)
	assert.Equal(t, "Review", todo.Tasks[0].Subtasks[1].Title)
	assert.False(t, todo.Tasks[0].Subtasks[1].Completed)

	assert.Equal(t, Counts{Columns: 3, Tasks: 3, Subtasks: 2}, res.Summary.Created)
	assert.Empty(t, mem.Orphans())
}

func TestCreateFromContextDefaultsNameAndStatus(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, Options{DefaultTaskStatus: store.TaskDoing})

	res, err := r.CreateFromContext(context.Background(), boardctx.BoardContext{
		Columns: []boardctx.ColumnContext{{Name: "Now", Tasks: []boardctx.TaskContext{{Title: "x"}}}},
	}, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, defaultBoardName, res.Board.Name)
	assert.Equal(t, store.TaskDoing, res.Board.Columns[0].Tasks[0].Status)
}

func TestRoundTripPerformsNoWrites(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, DefaultOptions())
	ctx := context.Background()
	bc := boardctx.BoardContext{
		Name:    "P",
		Columns: []boardctx.ColumnContext{{Name: "To Do", Tasks: []boardctx.TaskContext{{Title: "A"}}}},
	}

	created, err := r.CreateFromContext(ctx, bc, "u1", "")
	require.NoError(t, err)

	updated, err := r.UpdateFromContext(ctx, created.Board.ID, bc, "u1")
	require.NoError(t, err)

	assert.Zero(t, updated.Summary.Created.Total())
	assert.Zero(t, updated.Summary.Deleted.Total())
	assert.Zero(t, updated.Summary.Updated.Total())
	assert.Equal(t, collectIDs(created.Board), collectIDs(updated.Board))
	assert.Equal(t, created.Board.UpdatedAt, updated.Board.UpdatedAt)
}

func TestUpdateIsIdempotent(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, DefaultOptions())
	ctx := context.Background()

	created, err := r.CreateFromContext(ctx, boardctx.BoardContext{
		Name:    "Launch",
		Columns: []boardctx.ColumnContext{{Name: "Backlog"}, {Name: "Todo"}},
	}, "u1", "")
	require.NoError(t, err)

	first, err := r.UpdateFromContext(ctx, created.Board.ID, richContext(), "u1")
	require.NoError(t, err)
	second, err := r.UpdateFromContext(ctx, created.Board.ID, richContext(), "u1")
	require.NoError(t, err)

	assert.Equal(t, collectIDs(first.Board), collectIDs(second.Board))
	assert.Equal(t, collectOrders(first.Board), collectOrders(second.Board))
	assert.Equal(t, Summary{}, second.Summary)

	_, columns, tasks, subtasks := mem.Counts()
	assert.Equal(t, 3, columns)
	assert.Equal(t, 3, tasks)
	assert.Equal(t, 2, subtasks)
}

func TestUpdateCascadesRemovedColumn(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, DefaultOptions())
	ctx := context.Background()

	created, err := r.CreateFromContext(ctx, richContext(), "u1", "")
	require.NoError(t, err)
	done := created.Board.Columns[2]
	require.Equal(t, "Done", done.Name)

	bc := richContext()
	bc.Columns = bc.Columns[:2]
	res, err := r.UpdateFromContext(ctx, created.Board.ID, bc, "u1")
	require.NoError(t, err)

	require.Len(t, res.Board.Columns, 2)
	assert.Equal(t, 1, res.Summary.Deleted.Columns)
	assert.Zero(t, res.Summary.Deleted.Tasks, "tasks go with their column")
	assert.Empty(t, mem.Orphans())

	_, err = mem.GetTask(ctx, done.Tasks[0].ID, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = mem.GetColumn(ctx, done.ID, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateMatchesCaseInsensitively(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, DefaultOptions())
	ctx := context.Background()

	created, err := r.CreateFromContext(ctx, boardctx.BoardContext{
		Name:    "B",
		Columns: []boardctx.ColumnContext{{Name: "todo", Tasks: []boardctx.TaskContext{{Title: "write docs"}}}},
	}, "u1", "")
	require.NoError(t, err)

	res, err := r.UpdateFromContext(ctx, created.Board.ID, boardctx.BoardContext{
		Columns: []boardctx.ColumnContext{{Name: " TODO ", Tasks: []boardctx.TaskContext{{Title: "Write Docs"}}}},
	}, "u1")
	require.NoError(t, err)

	require.Len(t, res.Board.Columns, 1)
	column := res.Board.Columns[0]
	assert.Equal(t, created.Board.Columns[0].ID, column.ID)
	assert.Equal(t, "todo", column.Name)
	require.Len(t, column.Tasks, 1)
	assert.Equal(t, created.Board.Columns[0].Tasks[0].ID, column.Tasks[0].ID)
	assert.Equal(t, "Write Docs", column.Tasks[0].Title)
	assert.Equal(t, "B", res.Board.Name, "blank context name keeps the board name")
}

func TestUpdateReordersWithoutRecreating(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, DefaultOptions())
	ctx := context.Background()

	created, err := r.CreateFromContext(ctx, boardctx.BoardContext{
		Columns: []boardctx.ColumnContext{{Name: "A"}, {Name: "B"}, {Name: "C"}},
	}, "u1", "")
	require.NoError(t, err)
	ids := map[string]string{}
	for _, column := range created.Board.Columns {
		ids[column.Name] = column.ID
	}

	res, err := r.UpdateFromContext(ctx, created.Board.ID, boardctx.BoardContext{
		Columns: []boardctx.ColumnContext{{Name: "C"}, {Name: "A"}, {Name: "B"}},
	}, "u1")
	require.NoError(t, err)

	require.Len(t, res.Board.Columns, 3)
	for i, name := range []string{"C", "A", "B"} {
		assert.Equal(t, ids[name], res.Board.Columns[i].ID)
		assert.Equal(t, i, res.Board.Columns[i].Order)
	}
	assert.Equal(t, 3, res.Summary.Updated.Columns)
	assert.Zero(t, res.Summary.Created.Total())
}

func TestUpdateDuplicateNamesClaimOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, DefaultOptions())
	ctx := context.Background()

	created, err := r.CreateFromContext(ctx, boardctx.BoardContext{
		Columns: []boardctx.ColumnContext{{Name: "Todo"}, {Name: "todo"}},
	}, "u1", "")
	require.NoError(t, err)
	first := created.Board.Columns[0].ID

	res, err := r.UpdateFromContext(ctx, created.Board.ID, boardctx.BoardContext{
		Columns: []boardctx.ColumnContext{{Name: "TODO"}},
	}, "u1")
	require.NoError(t, err)
	require.Len(t, res.Board.Columns, 1)
	assert.Equal(t, first, res.Board.Columns[0].ID)

	res, err = r.UpdateFromContext(ctx, created.Board.ID, boardctx.BoardContext{
		Columns: []boardctx.ColumnContext{{Name: "Todo"}, {Name: "Todo"}},
	}, "u1")
	require.NoError(t, err)
	require.Len(t, res.Board.Columns, 2)
	assert.Equal(t, first, res.Board.Columns[0].ID)
	assert.NotEqual(t, first, res.Board.Columns[1].ID)
	assert.Equal(t, 1, res.Summary.Created.Columns)
}

func TestUpdateDescriptionFallbackAndCompletion(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, DefaultOptions())
	ctx := context.Background()

	created, err := r.CreateFromContext(ctx, richContext(), "u1", "")
	require.NoError(t, err)
	task := created.Board.Columns[0].Tasks[0]
	review := task.Subtasks[1]
	review.Completed = true
	require.NoError(t, mem.UpdateSubtask(ctx, review))

	bc := richContext()
	bc.Columns[0].Tasks[0].Description = ""
	bc.Columns[0].Tasks[0].Subtasks[1].Description = "   "
	res, err := r.UpdateFromContext(ctx, created.Board.ID, bc, "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Summary.Updated.Total())

	got := res.Board.Columns[0].Tasks[0]
	assert.Equal(t, "one pager", got.Description)
	assert.Equal(t, "with team", got.Subtasks[1].Description)
	assert.True(t, got.Subtasks[1].Completed)

	bc.Columns[0].Tasks[0].Description = "two pager"
	res, err = r.UpdateFromContext(ctx, created.Board.ID, bc, "u1")
	require.NoError(t, err)
	assert.Equal(t, "two pager", res.Board.Columns[0].Tasks[0].Description)
	assert.Equal(t, 1, res.Summary.Updated.Tasks)
	assert.True(t, res.Board.Columns[0].Tasks[0].Subtasks[1].Completed)
}

func TestUpdateKeepsTaskStatus(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, DefaultOptions())
	ctx := context.Background()

	created, err := r.CreateFromContext(ctx, richContext(), "u1", "")
	require.NoError(t, err)
	task := created.Board.Columns[0].Tasks[1]
	task.Status = store.TaskDone
	require.NoError(t, mem.UpdateTask(ctx, task))

	res, err := r.UpdateFromContext(ctx, created.Board.ID, richContext(), "u1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskDone, res.Board.Columns[0].Tasks[1].Status)
}

func TestUpdateUnknownBoardOrOwner(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, DefaultOptions())
	ctx := context.Background()

	created, err := r.CreateFromContext(ctx, richContext(), "u1", "")
	require.NoError(t, err)

	_, err = r.UpdateFromContext(ctx, created.Board.ID, richContext(), "u2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = r.UpdateFromContext(ctx, "brd_missing", richContext(), "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInvalidContextWritesNothing(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newTestReconciler(mem, DefaultOptions())

	_, err := r.CreateFromContext(context.Background(), boardctx.BoardContext{
		Columns: []boardctx.ColumnContext{{Name: ""}},
	}, "u1", "")
	require.ErrorIs(t, err, boardctx.ErrInvalidContext)

	boards, _, _, _ := mem.Counts()
	assert.Zero(t, boards)
}

type failingStore struct {
	*store.MemoryStore
	insertTaskErr error
}

func (f *failingStore) InsertTask(ctx context.Context, task store.Task) error {
	if f.insertTaskErr != nil {
		return f.insertTaskErr
	}
	return f.MemoryStore.InsertTask(ctx, task)
}

func TestSequentialFailureLeavesPartialGraph(t *testing.T) {
	mem := store.NewMemoryStore()
	boom := errors.New("boom")
	fs := &failingStore{MemoryStore: mem, insertTaskErr: boom}

	_, err := New(fs, DefaultOptions()).CreateFromContext(context.Background(), richContext(), "u1", "")
	require.ErrorIs(t, err, boom)

	boards, columns, tasks, _ := mem.Counts()
	assert.Equal(t, 1, boards)
	assert.Equal(t, 3, columns)
	assert.Zero(t, tasks)
}

func TestAtomicFailureRollsBack(t *testing.T) {
	mem := store.NewMemoryStore()
	boom := errors.New("boom")
	fs := &failingStore{MemoryStore: mem, insertTaskErr: boom}
	opts := DefaultOptions()
	opts.Atomic = true

	r := New(fs, opts).WithTx(func(ctx context.Context, fn func(GraphStore) error) error {
		return mem.InTx(ctx, func(tx *store.MemoryStore) error {
			return fn(&failingStore{MemoryStore: tx, insertTaskErr: boom})
		})
	})
	_, err := r.CreateFromContext(context.Background(), richContext(), "u1", "")
	require.ErrorIs(t, err, boom)

	boards, columns, tasks, subtasks := mem.Counts()
	assert.Zero(t, boards+columns+tasks+subtasks)
}

func TestPlanBoardIsPure(t *testing.T) {
	seq := 0
	planner := Planner{Options: DefaultOptions(), NewID: func(prefix string) string {
		seq++
		return fmt.Sprintf("%s_%d", prefix, seq)
	}}
	existing := store.Board{ID: "b1", Name: "Launch", Columns: []store.Column{
		{ID: "c1", Name: "Todo", Order: 0, Tasks: []store.Task{
			{ID: "t1", ColumnID: "c1", Title: "Write plan", Description: "one pager", Order: 0},
		}},
		{ID: "c2", Name: "Archive", Order: 1, Position: 1},
	}}

	plan := planner.Plan(existing, boardctx.BoardContext{
		Name: "Launch v2",
		Columns: []boardctx.ColumnContext{
			{Name: "todo", Tasks: []boardctx.TaskContext{
				{Title: "Write plan", Subtasks: []boardctx.SubtaskContext{{Title: "Outline"}}},
			}},
			{Name: "Review"},
		},
	})

	assert.True(t, plan.Rename)
	assert.Equal(t, "Launch v2", plan.RenameTo)
	assert.Equal(t, []string{"c2"}, plan.DeleteColumns)
	assert.Empty(t, plan.UpdateColumns)
	assert.Empty(t, plan.UpdateTasks)
	require.Len(t, plan.CreateSubtasks, 1)
	assert.Equal(t, "t1", plan.CreateSubtasks[0].TaskID)
	require.Len(t, plan.CreateColumns, 1)
	assert.Equal(t, "Review", plan.CreateColumns[0].Name)
	assert.Equal(t, 1, plan.CreateColumns[0].Order)
	assert.Equal(t, "b1", plan.CreateColumns[0].BoardID)
	assert.False(t, plan.Empty())

	assert.Equal(t, "Todo", existing.Columns[0].Name)
	assert.Len(t, existing.Columns, 2)
}

func TestPlanBoardEmptyForMatchingState(t *testing.T) {
	existing := store.Board{ID: "b1", Name: "Launch", Columns: []store.Column{
		{ID: "c1", Name: "Todo", Order: 0, Position: 0},
	}}
	plan := PlanBoard(existing, boardctx.BoardContext{Name: "Launch", Columns: []boardctx.ColumnContext{{Name: "Todo"}}})
	assert.True(t, plan.Empty())
	assert.Equal(t, Summary{}, plan.Summary())
}
