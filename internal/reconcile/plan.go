package reconcile

import (
	"fmt"
	"strings"

	"boardpilot/api/internal/boardctx"
	"boardpilot/api/internal/store"
	"boardpilot/api/internal/util"
)

const defaultBoardName = "Untitled board"

// Options controls defaults the reconciler applies when a context is silent.
type Options struct {
	// DefaultTaskStatus is assigned to created tasks.
	DefaultTaskStatus store.TaskStatus
	// Atomic applies a plan inside a single store transaction when the
	// reconciler has a transaction runner.
	Atomic bool
}

func DefaultOptions() Options {
	return Options{DefaultTaskStatus: store.TaskTodo}
}

func (o Options) normalized() Options {
	if !o.DefaultTaskStatus.Valid() {
		o.DefaultTaskStatus = store.TaskTodo
	}
	return o
}

// Counts is a per-level tally.
type Counts struct {
	Columns  int `json:"columns"`
	Tasks    int `json:"tasks"`
	Subtasks int `json:"subtasks"`
}

func (c Counts) Total() int { return c.Columns + c.Tasks + c.Subtasks }

type Summary struct {
	Created Counts `json:"created"`
	Updated Counts `json:"updated"`
	Deleted Counts `json:"deleted"`
	Renamed bool   `json:"renamed"`
}

// Changed reports whether anything was written.
func (s Summary) Changed() bool {
	return s.Renamed || s.Created.Total() > 0 || s.Updated.Total() > 0 || s.Deleted.Total() > 0
}

func (s Summary) String() string {
	return fmt.Sprintf("created=%d/%d/%d updated=%d/%d/%d deleted=%d/%d/%d renamed=%t",
		s.Created.Columns, s.Created.Tasks, s.Created.Subtasks,
		s.Updated.Columns, s.Updated.Tasks, s.Updated.Subtasks,
		s.Deleted.Columns, s.Deleted.Tasks, s.Deleted.Subtasks,
		s.Renamed)
}

// Plan is the full set of mutations that turns a stored board into the state
// described by a context. Creates are listed parents first, so applying them
// in slice order never references a missing parent. Deleting a column or task
// cascades; its descendants are not listed separately.
type Plan struct {
	BoardID string

	RenameTo string
	Rename   bool

	DeleteColumns  []string
	DeleteTasks    []string
	DeleteSubtasks []string

	UpdateColumns  []store.Column
	UpdateTasks    []store.Task
	UpdateSubtasks []store.Subtask

	CreateColumns  []store.Column
	CreateTasks    []store.Task
	CreateSubtasks []store.Subtask
}

func (p Plan) Summary() Summary {
	return Summary{
		Created: Counts{len(p.CreateColumns), len(p.CreateTasks), len(p.CreateSubtasks)},
		Updated: Counts{len(p.UpdateColumns), len(p.UpdateTasks), len(p.UpdateSubtasks)},
		Deleted: Counts{len(p.DeleteColumns), len(p.DeleteTasks), len(p.DeleteSubtasks)},
		Renamed: p.Rename,
	}
}

// Empty reports whether applying the plan would change nothing.
func (p Plan) Empty() bool {
	return !p.Summary().Changed()
}

// Planner computes plans. NewID is called for every entity the plan creates.
type Planner struct {
	Options Options
	NewID   func(prefix string) string
}

// PlanBoard plans with default options and random ids.
func PlanBoard(existing store.Board, bc boardctx.BoardContext) Plan {
	return Planner{Options: DefaultOptions(), NewID: util.NewID}.Plan(existing, bc)
}

// Plan diffs existing, which must be a fully loaded board, against bc. It
// reads nothing and writes nothing.
func (p Planner) Plan(existing store.Board, bc boardctx.BoardContext) Plan {
	if p.NewID == nil {
		p.NewID = util.NewID
	}
	p.Options = p.Options.normalized()

	plan := Plan{BoardID: existing.ID}
	if name := strings.TrimSpace(bc.Name); name != "" && name != existing.Name {
		plan.Rename, plan.RenameTo = true, name
	}

	pairs, unclaimed := match(existing.Columns, func(c store.Column) string { return c.Name }, len(bc.Columns), func(i int) string {
		return bc.Columns[i].Name
	})
	for _, column := range unclaimed {
		plan.DeleteColumns = append(plan.DeleteColumns, column.ID)
	}

	for i, cc := range bc.Columns {
		position := hint(cc.Position, i)
		current := pairs[i]
		if current == nil {
			column := store.Column{
				ID:       p.NewID("col"),
				BoardID:  existing.ID,
				Name:     cc.Name,
				Position: position,
				Order:    i,
			}
			plan.CreateColumns = append(plan.CreateColumns, column)
			p.planTasks(&plan, column.ID, nil, cc.Tasks)
			continue
		}
		if current.Order != i || current.Position != position {
			updated := *current
			updated.Tasks = nil
			updated.Order, updated.Position = i, position
			plan.UpdateColumns = append(plan.UpdateColumns, updated)
		}
		p.planTasks(&plan, current.ID, current.Tasks, cc.Tasks)
	}
	return plan
}

func (p Planner) planTasks(plan *Plan, columnID string, existing []store.Task, wanted []boardctx.TaskContext) {
	pairs, unclaimed := match(existing, func(t store.Task) string { return t.Title }, len(wanted), func(i int) string {
		return wanted[i].Title
	})
	for _, task := range unclaimed {
		plan.DeleteTasks = append(plan.DeleteTasks, task.ID)
	}

	for i, tc := range wanted {
		position := hint(tc.Position, i)
		current := pairs[i]
		if current == nil {
			task := store.Task{
				ID:          p.NewID("tsk"),
				ColumnID:    columnID,
				Title:       tc.Title,
				Description: tc.Description,
				Status:      p.Options.DefaultTaskStatus,
				Position:    position,
				Order:       i,
			}
			plan.CreateTasks = append(plan.CreateTasks, task)
			p.planSubtasks(plan, task.ID, nil, tc.Subtasks)
			continue
		}
		description := fallback(tc.Description, current.Description)
		if current.Title != tc.Title || current.Description != description || current.Order != i || current.Position != position {
			updated := *current
			updated.Subtasks = nil
			updated.Title = tc.Title
			updated.Description = description
			updated.Order, updated.Position = i, position
			plan.UpdateTasks = append(plan.UpdateTasks, updated)
		}
		p.planSubtasks(plan, current.ID, current.Subtasks, tc.Subtasks)
	}
}

func (p Planner) planSubtasks(plan *Plan, taskID string, existing []store.Subtask, wanted []boardctx.SubtaskContext) {
	pairs, unclaimed := match(existing, func(s store.Subtask) string { return s.Title }, len(wanted), func(i int) string {
		return wanted[i].Title
	})
	for _, subtask := range unclaimed {
		plan.DeleteSubtasks = append(plan.DeleteSubtasks, subtask.ID)
	}

	for i, sc := range wanted {
		current := pairs[i]
		if current == nil {
			plan.CreateSubtasks = append(plan.CreateSubtasks, store.Subtask{
				ID:          p.NewID("sub"),
				TaskID:      taskID,
				Title:       sc.Title,
				Description: sc.Description,
				Order:       i,
			})
			continue
		}
		description := fallback(sc.Description, current.Description)
		if current.Description != description || current.Order != i {
			updated := *current
			updated.Description = description
			updated.Order = i
			plan.UpdateSubtasks = append(plan.UpdateSubtasks, updated)
		}
	}
}

// match pairs each wanted entry, in order, with the first unclaimed existing
// sibling whose key folds to the same value. pairs[i] is nil when wanted[i]
// has no partner. Existing siblings left unclaimed are returned in their
// original order.
func match[E any](existing []E, keyOf func(E) string, n int, wantedKey func(int) string) (pairs []*E, unclaimed []E) {
	buckets := make(map[string][]int, len(existing))
	for i := range existing {
		key := boardctx.Key(keyOf(existing[i]))
		buckets[key] = append(buckets[key], i)
	}

	claimed := make([]bool, len(existing))
	pairs = make([]*E, n)
	for i := 0; i < n; i++ {
		key := boardctx.Key(wantedKey(i))
		queue := buckets[key]
		if len(queue) == 0 {
			continue
		}
		idx := queue[0]
		buckets[key] = queue[1:]
		claimed[idx] = true
		pairs[i] = &existing[idx]
	}

	for i := range existing {
		if !claimed[i] {
			unclaimed = append(unclaimed, existing[i])
		}
	}
	return pairs, unclaimed
}

func hint(position *int, index int) int {
	if position != nil {
		return *position
	}
	return index
}

func fallback(value, current string) string {
	if strings.TrimSpace(value) == "" {
		return current
	}
	return value
}
