// Package reconcile synchronizes a stored board graph with a board context.
// Siblings are matched by case-insensitive name or title rather than by id, so
// applying the same context twice leaves the graph untouched.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"boardpilot/api/internal/boardctx"
	"boardpilot/api/internal/store"
	"boardpilot/api/internal/telemetry"
	"boardpilot/api/internal/util"
)

// GraphStore is the subset of the board store the reconciler writes through.
// *store.PostgresStore and *store.MemoryStore both satisfy it.
type GraphStore interface {
	InsertBoard(ctx context.Context, board store.Board) error
	UpdateBoardName(ctx context.Context, boardID, name string) error
	TouchBoard(ctx context.Context, boardID string) error
	GetBoard(ctx context.Context, boardID, ownerID string) (store.Board, error)

	InsertColumn(ctx context.Context, column store.Column) error
	UpdateColumn(ctx context.Context, column store.Column) error
	DeleteColumn(ctx context.Context, columnID string) error

	InsertTask(ctx context.Context, task store.Task) error
	UpdateTask(ctx context.Context, task store.Task) error
	DeleteTask(ctx context.Context, taskID string) error

	InsertSubtask(ctx context.Context, subtask store.Subtask) error
	UpdateSubtask(ctx context.Context, subtask store.Subtask) error
	DeleteSubtask(ctx context.Context, subtaskID string) error
}

// TxFunc runs fn against a transactional view of the store, committing when
// fn returns nil.
type TxFunc func(ctx context.Context, fn func(GraphStore) error) error

// Result is a reconciled board together with what it took to get there.
type Result struct {
	Board   store.Board
	Summary Summary
}

type Reconciler struct {
	store GraphStore
	opts  Options
	newID func(prefix string) string
	runTx TxFunc
}

func New(st GraphStore, opts Options) *Reconciler {
	return &Reconciler{store: st, opts: opts.normalized(), newID: util.NewID}
}

// WithTx installs the transaction runner used when Options.Atomic is set.
func (r *Reconciler) WithTx(run TxFunc) *Reconciler {
	r.runTx = run
	return r
}

// WithIDs overrides id generation.
func (r *Reconciler) WithIDs(newID func(prefix string) string) *Reconciler {
	if newID != nil {
		r.newID = newID
	}
	return r
}

func (r *Reconciler) Options() Options { return r.opts }

func (r *Reconciler) planner() Planner {
	return Planner{Options: r.opts, NewID: r.newID}
}

func (r *Reconciler) atomic() bool {
	return r.opts.Atomic && r.runTx != nil
}

func (r *Reconciler) mode() string {
	if r.atomic() {
		return "atomic"
	}
	return "sequential"
}

// run executes fn in a transaction when atomic, otherwise directly against
// the store. In sequential mode a failure leaves earlier steps applied.
func (r *Reconciler) run(ctx context.Context, fn func(GraphStore) error) error {
	if r.atomic() {
		return r.runTx(ctx, fn)
	}
	return fn(r.store)
}

// CreateFromContext creates a new board owned by ownerID with the layout in
// bc. linkID, when set, records the suggestion the board came from.
func (r *Reconciler) CreateFromContext(ctx context.Context, bc boardctx.BoardContext, ownerID, linkID string) (result Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "reconcile.CreateFromContext", "owner_id", ownerID)
	started := time.Now()
	defer func() {
		telemetry.EndSpan(span, err)
		telemetry.ReconcileRuns.WithLabelValues(r.mode(), telemetry.Result(err)).Inc()
		telemetry.ReconcileDuration.WithLabelValues(r.mode()).Observe(time.Since(started).Seconds())
	}()

	if err := boardctx.Validate(bc); err != nil {
		return Result{}, err
	}
	name := strings.TrimSpace(bc.Name)
	if name == "" {
		name = defaultBoardName
	}
	board := store.Board{
		ID:                 r.newID("brd"),
		Name:               name,
		OwnerID:            ownerID,
		SourceSuggestionID: linkID,
	}
	plan := r.planner().Plan(store.Board{ID: board.ID, Name: board.Name}, bc)

	err = r.run(ctx, func(gs GraphStore) error {
		if err := gs.InsertBoard(ctx, board); err != nil {
			return err
		}
		return apply(ctx, gs, plan)
	})
	if err != nil {
		return Result{}, fmt.Errorf("create board from context: %w", err)
	}
	summary := plan.Summary()
	logSummary(board.ID, "create", summary)

	created, err := r.store.GetBoard(ctx, board.ID, ownerID)
	if err != nil {
		return Result{}, fmt.Errorf("create board from context: reload: %w", err)
	}
	return Result{Board: created, Summary: summary}, nil
}

// UpdateFromContext reconciles the board boardID owned by ownerID against bc
// and returns the reloaded board.
func (r *Reconciler) UpdateFromContext(ctx context.Context, boardID string, bc boardctx.BoardContext, ownerID string) (result Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "reconcile.UpdateFromContext", "board_id", boardID, "owner_id", ownerID)
	started := time.Now()
	defer func() {
		telemetry.EndSpan(span, err)
		telemetry.ReconcileRuns.WithLabelValues(r.mode(), telemetry.Result(err)).Inc()
		telemetry.ReconcileDuration.WithLabelValues(r.mode()).Observe(time.Since(started).Seconds())
	}()

	if err := boardctx.Validate(bc); err != nil {
		return Result{}, err
	}

	var plan Plan
	err = r.run(ctx, func(gs GraphStore) error {
		existing, err := gs.GetBoard(ctx, boardID, ownerID)
		if err != nil {
			return err
		}
		plan = r.planner().Plan(existing, bc)
		if plan.Empty() {
			return nil
		}
		if err := apply(ctx, gs, plan); err != nil {
			return err
		}
		return gs.TouchBoard(ctx, boardID)
	})
	if err != nil {
		return Result{}, fmt.Errorf("update board from context: %w", err)
	}
	summary := plan.Summary()
	logSummary(boardID, "update", summary)

	updated, err := r.store.GetBoard(ctx, boardID, ownerID)
	if err != nil {
		return Result{}, fmt.Errorf("update board from context: reload: %w", err)
	}
	return Result{Board: updated, Summary: summary}, nil
}

// Apply writes plan through gs. Deletes run first so a renamed sibling never
// coexists with the row it replaces, then updates, then creates in parent
// order.
func Apply(ctx context.Context, gs GraphStore, plan Plan) error {
	return apply(ctx, gs, plan)
}

func apply(ctx context.Context, gs GraphStore, plan Plan) error {
	if plan.Rename {
		if err := gs.UpdateBoardName(ctx, plan.BoardID, plan.RenameTo); err != nil {
			return err
		}
	}

	for _, id := range plan.DeleteSubtasks {
		if err := gs.DeleteSubtask(ctx, id); err != nil {
			return err
		}
		countOp("subtask", "delete")
	}
	for _, id := range plan.DeleteTasks {
		if err := gs.DeleteTask(ctx, id); err != nil {
			return err
		}
		countOp("task", "delete")
	}
	for _, id := range plan.DeleteColumns {
		if err := gs.DeleteColumn(ctx, id); err != nil {
			return err
		}
		countOp("column", "delete")
	}

	for _, column := range plan.UpdateColumns {
		if err := gs.UpdateColumn(ctx, column); err != nil {
			return err
		}
		countOp("column", "update")
	}
	for _, task := range plan.UpdateTasks {
		if err := gs.UpdateTask(ctx, task); err != nil {
			return err
		}
		countOp("task", "update")
	}
	for _, subtask := range plan.UpdateSubtasks {
		if err := gs.UpdateSubtask(ctx, subtask); err != nil {
			return err
		}
		countOp("subtask", "update")
	}

	for _, column := range plan.CreateColumns {
		if err := gs.InsertColumn(ctx, column); err != nil {
			return err
		}
		countOp("column", "create")
	}
	for _, task := range plan.CreateTasks {
		if err := gs.InsertTask(ctx, task); err != nil {
			return err
		}
		countOp("task", "create")
	}
	for _, subtask := range plan.CreateSubtasks {
		if err := gs.InsertSubtask(ctx, subtask); err != nil {
			return err
		}
		countOp("subtask", "create")
	}
	return nil
}

func countOp(level, op string) {
	telemetry.ReconcileOps.WithLabelValues(level, op).Inc()
}

func logSummary(boardID, action string, summary Summary) {
	log.WithFields(log.Fields{
		"board_id": boardID,
		"action":   action,
		"created":  summary.Created.Total(),
		"updated":  summary.Updated.Total(),
		"deleted":  summary.Deleted.Total(),
		"renamed":  summary.Renamed,
	}).Debugf("board reconciled: %s", summary)
}
