package suggestion

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"boardpilot/api/internal/realtime"
	"boardpilot/api/internal/store"
)

// materialize applies content and returns the suggestion metadata updated
// with the ids of what was created or changed.
func (m *Manager) materialize(ctx context.Context, item store.Suggestion, content Content) (store.SuggestionMetadata, error) {
	switch c := content.(type) {
	case BoardContent:
		return m.materializeBoard(ctx, item, c)
	case TaskBreakdownContent:
		return m.materializeBreakdown(ctx, item, c)
	case TaskImprovementContent:
		return m.materializeImprovement(ctx, item, c)
	default:
		return item.Metadata, fmt.Errorf("%w: %T", ErrInvalidType, content)
	}
}

func (m *Manager) materializeBoard(ctx context.Context, item store.Suggestion, c BoardContent) (store.SuggestionMetadata, error) {
	result, err := m.boards.CreateFromContext(ctx, c.Board, item.UserID, item.ID)
	if err != nil {
		return item.Metadata, err
	}
	metadata := item.Metadata
	metadata.BoardID = result.Board.ID

	m.notifier.Notify(item.SessionID, realtime.EventBoardCreated, result.Board)
	return metadata, nil
}

// resolveColumn picks the column a breakdown task lands in. Explicit hints are
// binding: a columnId or boardId that does not resolve is an error. Without
// hints the first column of the user's most recently updated board is used.
func (m *Manager) resolveColumn(ctx context.Context, item store.Suggestion) (store.Column, error) {
	meta := item.Metadata
	switch {
	case meta.ColumnID != "":
		column, err := m.store.GetColumn(ctx, meta.ColumnID, item.UserID)
		if err != nil {
			return store.Column{}, fmt.Errorf("column %s: %w", meta.ColumnID, err)
		}
		return column, nil

	case meta.BoardID != "":
		column, err := m.store.FirstColumn(ctx, meta.BoardID, item.UserID)
		if isNotFound(err) {
			return store.Column{}, fmt.Errorf("board %s: %w", meta.BoardID, ErrNoTargetColumn)
		}
		if err != nil {
			return store.Column{}, err
		}
		return column, nil
	}

	board, err := m.store.LatestBoard(ctx, item.UserID)
	if isNotFound(err) {
		return store.Column{}, ErrNoTargetColumn
	}
	if err != nil {
		return store.Column{}, err
	}
	column, err := m.store.FirstColumn(ctx, board.ID, item.UserID)
	if isNotFound(err) {
		return store.Column{}, fmt.Errorf("board %s: %w", board.ID, ErrNoTargetColumn)
	}
	if err != nil {
		return store.Column{}, err
	}
	return column, nil
}

func (m *Manager) materializeBreakdown(ctx context.Context, item store.Suggestion, c TaskBreakdownContent) (store.SuggestionMetadata, error) {
	column, err := m.resolveColumn(ctx, item)
	if err != nil {
		return item.Metadata, err
	}
	order, err := m.store.NextTaskOrder(ctx, column.ID)
	if err != nil {
		return item.Metadata, err
	}

	task := store.Task{
		ID:          m.newID("tsk"),
		ColumnID:    column.ID,
		Title:       strings.TrimSpace(c.MainTask.Title),
		Description: c.MainTask.Description,
		Status:      m.cfg.DefaultTaskStatus,
		Position:    order,
		Order:       order,
	}
	if err := m.store.InsertTask(ctx, task); err != nil {
		return item.Metadata, err
	}
	for i, draft := range c.Subtasks {
		subtask := store.Subtask{
			ID:          m.newID("sub"),
			TaskID:      task.ID,
			Title:       strings.TrimSpace(draft.Title),
			Description: draft.Description,
			Order:       i,
		}
		if err := m.store.InsertSubtask(ctx, subtask); err != nil {
			m.discardTask(ctx, task.ID)
			return item.Metadata, err
		}
	}
	if err := m.store.TouchBoard(ctx, column.BoardID); err != nil {
		log.WithField("board_id", column.BoardID).WithError(err).Warn("touch board")
	}

	metadata := item.Metadata
	metadata.BoardID = column.BoardID
	metadata.ColumnID = column.ID
	metadata.TaskID = task.ID

	m.notifier.Notify(item.SessionID, realtime.EventTaskCreated, map[string]any{
		"boardId":  column.BoardID,
		"columnId": column.ID,
		"taskId":   task.ID,
		"subtasks": len(c.Subtasks),
	})
	return metadata, nil
}

// discardTask removes a half-written breakdown task so a retried accept does
// not leave a duplicate behind.
func (m *Manager) discardTask(ctx context.Context, taskID string) {
	if err := m.store.DeleteTask(context.WithoutCancel(ctx), taskID); err != nil {
		log.WithField("task_id", taskID).WithError(err).Error("discard partial task")
	}
}

func (m *Manager) materializeImprovement(ctx context.Context, item store.Suggestion, c TaskImprovementContent) (store.SuggestionMetadata, error) {
	if item.Metadata.TaskID == "" {
		log.WithFields(log.Fields{
			"suggestion_id": item.ID,
			"batch":         item.Metadata.IsBatchSuggestion,
		}).Debug("task improvement without target task acknowledged")
		return item.Metadata, nil
	}

	task, err := m.store.GetTask(ctx, item.Metadata.TaskID, item.UserID)
	if err != nil {
		return item.Metadata, fmt.Errorf("task %s: %w", item.Metadata.TaskID, err)
	}
	if title := strings.TrimSpace(c.ImprovedTask.Title); title != "" {
		task.Title = title
	}
	if strings.TrimSpace(c.ImprovedTask.Description) != "" {
		task.Description = c.ImprovedTask.Description
	}
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return item.Metadata, err
	}

	metadata := item.Metadata
	metadata.ColumnID = task.ColumnID
	if column, err := m.store.GetColumn(ctx, task.ColumnID, item.UserID); err == nil {
		metadata.BoardID = column.BoardID
		if err := m.store.TouchBoard(ctx, column.BoardID); err != nil {
			log.WithField("board_id", column.BoardID).WithError(err).Warn("touch board")
		}
	}

	m.notifier.Notify(item.SessionID, realtime.EventTaskUpdated, map[string]any{
		"boardId":     metadata.BoardID,
		"taskId":      task.ID,
		"title":       task.Title,
		"description": task.Description,
	})
	return metadata, nil
}
