// Package suggestion tracks assistant-proposed changes through their
// lifecycle and applies accepted ones to the board graph.
package suggestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"boardpilot/api/internal/boardctx"
	"boardpilot/api/internal/realtime"
	"boardpilot/api/internal/reconcile"
	"boardpilot/api/internal/session"
	"boardpilot/api/internal/store"
	"boardpilot/api/internal/telemetry"
	"boardpilot/api/internal/util"
)

// Store is what the manager needs from persistence: the suggestion records
// plus the task-level writes used by materialization.
type Store interface {
	InsertSuggestion(ctx context.Context, item store.Suggestion) error
	GetSuggestion(ctx context.Context, suggestionID, userID string) (store.Suggestion, error)
	ListSuggestions(ctx context.Context, userID string, filter store.SuggestionFilter) ([]store.Suggestion, error)
	UpdateSuggestion(ctx context.Context, item store.Suggestion) error
	UpdateSuggestionStatus(ctx context.Context, suggestionID string, status store.SuggestionStatus) error

	GetColumn(ctx context.Context, columnID, ownerID string) (store.Column, error)
	FirstColumn(ctx context.Context, boardID, ownerID string) (store.Column, error)
	LatestBoard(ctx context.Context, ownerID string) (store.Board, error)
	NextTaskOrder(ctx context.Context, columnID string) (int, error)
	GetTask(ctx context.Context, taskID, ownerID string) (store.Task, error)
	InsertTask(ctx context.Context, task store.Task) error
	UpdateTask(ctx context.Context, task store.Task) error
	DeleteTask(ctx context.Context, taskID string) error
	InsertSubtask(ctx context.Context, subtask store.Subtask) error
	TouchBoard(ctx context.Context, boardID string) error
}

// BoardCreator materializes board suggestions.
type BoardCreator interface {
	CreateFromContext(ctx context.Context, bc boardctx.BoardContext, ownerID, linkID string) (reconcile.Result, error)
}

type Config struct {
	BatchConcurrency  int
	DefaultTaskStatus store.TaskStatus
}

type Manager struct {
	store    Store
	boards   BoardCreator
	notifier realtime.Notifier
	chat     session.Store
	cfg      Config
	newID    func(prefix string) string
	// retry paces rewrites of an applied suggestion's record.
	retry func() backoff.BackOff
}

// NewManager wires the lifecycle manager. notifier and chat may be nil.
func NewManager(st Store, boards BoardCreator, notifier realtime.Notifier, chat session.Store, cfg Config) *Manager {
	if notifier == nil {
		notifier = realtime.Nop{}
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 4
	}
	if !cfg.DefaultTaskStatus.Valid() {
		cfg.DefaultTaskStatus = store.TaskTodo
	}
	return &Manager{
		store:    st,
		boards:   boards,
		notifier: notifier,
		chat:     chat,
		cfg:      cfg,
		newID:    util.NewID,
		retry:    defaultRetry,
	}
}

func defaultRetry() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	return backoff.WithMaxRetries(bo, 3)
}

// NewSuggestion is the input to Create.
type NewSuggestion struct {
	UserID              string                   `json:"-"`
	SessionID           string                   `json:"sessionId"`
	Type                store.SuggestionType     `json:"type"`
	Content             json.RawMessage          `json:"content"`
	OriginalMessage     string                   `json:"originalMessage"`
	Metadata            store.SuggestionMetadata `json:"metadata"`
	RelatedSuggestionID string                   `json:"relatedSuggestionId"`
}

// AcceptOptions carries the optional user message narrated into the chat.
type AcceptOptions struct {
	Message string
}

// Create records a new pending suggestion after checking its content matches
// its type.
func (m *Manager) Create(ctx context.Context, in NewSuggestion) (store.Suggestion, error) {
	if !ValidType(in.Type) {
		return store.Suggestion{}, fmt.Errorf("%w: %q", ErrInvalidType, in.Type)
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return store.Suggestion{}, fmt.Errorf("%w: sessionId is required", ErrInvalidContent)
	}
	if _, err := DecodeContent(in.Type, in.Content); err != nil {
		return store.Suggestion{}, err
	}
	if in.RelatedSuggestionID != "" {
		if _, err := m.store.GetSuggestion(ctx, in.RelatedSuggestionID, in.UserID); err != nil {
			return store.Suggestion{}, fmt.Errorf("related suggestion: %w", err)
		}
	}

	item := store.Suggestion{
		ID:                  m.newID("sug"),
		UserID:              in.UserID,
		SessionID:           in.SessionID,
		Type:                in.Type,
		Status:              store.StatusPending,
		Content:             in.Content,
		OriginalMessage:     in.OriginalMessage,
		Metadata:            in.Metadata,
		RelatedSuggestionID: in.RelatedSuggestionID,
	}
	item.Metadata.Materialized = false
	if err := m.store.InsertSuggestion(ctx, item); err != nil {
		return store.Suggestion{}, fmt.Errorf("create suggestion: %w", err)
	}
	return m.store.GetSuggestion(ctx, item.ID, in.UserID)
}

func (m *Manager) Get(ctx context.Context, userID, id string) (store.Suggestion, error) {
	item, err := m.store.GetSuggestion(ctx, id, userID)
	if err != nil {
		return store.Suggestion{}, fmt.Errorf("get suggestion: %w", err)
	}
	return item, nil
}

func (m *Manager) List(ctx context.Context, userID, sessionID string, status store.SuggestionStatus) ([]store.Suggestion, error) {
	items, err := m.store.ListSuggestions(ctx, userID, store.SuggestionFilter{SessionID: sessionID, Status: status})
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	return items, nil
}

// Accept moves a pending or modified suggestion to accepted and applies it.
// A suggestion that was already applied is refused even if it was modified
// afterwards. When applying fails a *MaterializationError is returned and the suggestion
// is left pending (or untouched, if its content could not be decoded).
func (m *Manager) Accept(ctx context.Context, userID, id string, opts AcceptOptions) (store.Suggestion, error) {
	item, err := m.accept(ctx, userID, id)
	if err != nil {
		return store.Suggestion{}, err
	}
	m.narrate(ctx, item.SessionID, opts.Message, acceptAck(item))
	return item, nil
}

func (m *Manager) accept(ctx context.Context, userID, id string) (item store.Suggestion, err error) {
	ctx, span := telemetry.StartSpan(ctx, "suggestion.Accept", "suggestion_id", id)
	defer func() {
		telemetry.EndSpan(span, err)
		telemetry.SuggestionTransitions.WithLabelValues(typeLabel(item.Type), "accept", telemetry.Result(err)).Inc()
	}()

	item, err = m.store.GetSuggestion(ctx, id, userID)
	if err != nil {
		return item, fmt.Errorf("accept suggestion: %w", err)
	}
	if item.Metadata.Materialized {
		return item, appliedError("accept", item.ID)
	}
	if item.Status != store.StatusPending && item.Status != store.StatusModified {
		return item, transitionError("accept", item.Status)
	}

	content, err := DecodeContent(item.Type, item.Content)
	if err != nil {
		return item, &MaterializationError{SuggestionID: item.ID, Type: item.Type, Err: err}
	}

	if err := m.store.UpdateSuggestionStatus(ctx, item.ID, store.StatusAccepted); err != nil {
		return item, fmt.Errorf("accept suggestion: %w", err)
	}

	metadata, err := m.materialize(ctx, item, content)
	if err != nil {
		m.revertToPending(ctx, item)
		return item, &MaterializationError{SuggestionID: item.ID, Type: item.Type, Err: err}
	}

	item.Status = store.StatusAccepted
	item.Metadata = metadata
	item.Metadata.Materialized = true
	m.recordAccepted(ctx, item)
	if reloaded, err := m.store.GetSuggestion(ctx, item.ID, userID); err == nil {
		item = reloaded
	} else {
		log.WithField("suggestion_id", item.ID).WithError(err).Warn("reload accepted suggestion")
	}

	m.notifier.Notify(item.SessionID, realtime.EventSuggestionAccepted, item)
	log.WithFields(log.Fields{
		"suggestion_id": item.ID,
		"type":          item.Type,
		"user_id":       userID,
	}).Info("suggestion accepted")
	return item, nil
}

// recordAccepted persists the metadata of an applied suggestion. The board
// has already changed by now, so failures are retried and then logged rather
// than reported to the caller.
func (m *Manager) recordAccepted(ctx context.Context, item store.Suggestion) {
	ctx = context.WithoutCancel(ctx)
	err := backoff.RetryNotify(func() error {
		return m.store.UpdateSuggestion(ctx, item)
	}, m.retry(), func(err error, wait time.Duration) {
		log.WithField("suggestion_id", item.ID).WithError(err).WithField("retry_in", wait.String()).Warn("record accepted suggestion")
	})
	if err != nil {
		log.WithFields(log.Fields{
			"suggestion_id": item.ID,
			"type":          item.Type,
			"board_id":      item.Metadata.BoardID,
			"task_id":       item.Metadata.TaskID,
		}).WithError(err).Error("accepted suggestion applied but its record could not be saved")
	}
}

// revertToPending runs even if ctx was cancelled mid-materialization.
func (m *Manager) revertToPending(ctx context.Context, item store.Suggestion) {
	if err := m.store.UpdateSuggestionStatus(context.WithoutCancel(ctx), item.ID, store.StatusPending); err != nil {
		log.WithFields(log.Fields{
			"suggestion_id": item.ID,
			"type":          item.Type,
		}).WithError(err).Error("revert suggestion to pending")
	}
}

// Reject moves a pending or modified suggestion to rejected.
func (m *Manager) Reject(ctx context.Context, userID, id, message string) (store.Suggestion, error) {
	item, err := m.reject(ctx, userID, id)
	if err != nil {
		return store.Suggestion{}, err
	}
	m.narrate(ctx, item.SessionID, message, "Suggestion dismissed.")
	return item, nil
}

func (m *Manager) reject(ctx context.Context, userID, id string) (item store.Suggestion, err error) {
	ctx, span := telemetry.StartSpan(ctx, "suggestion.Reject", "suggestion_id", id)
	defer func() {
		telemetry.EndSpan(span, err)
		telemetry.SuggestionTransitions.WithLabelValues(typeLabel(item.Type), "reject", telemetry.Result(err)).Inc()
	}()

	item, err = m.store.GetSuggestion(ctx, id, userID)
	if err != nil {
		return item, fmt.Errorf("reject suggestion: %w", err)
	}
	if item.Metadata.Materialized {
		return item, appliedError("reject", item.ID)
	}
	if item.Status != store.StatusPending && item.Status != store.StatusModified {
		return item, transitionError("reject", item.Status)
	}
	if err := m.store.UpdateSuggestionStatus(ctx, item.ID, store.StatusRejected); err != nil {
		return item, fmt.Errorf("reject suggestion: %w", err)
	}
	item.Status = store.StatusRejected

	m.notifier.Notify(item.SessionID, realtime.EventSuggestionRejected, item)
	return item, nil
}

// Modify shallow-merges update into the suggestion's content and marks it
// modified. It is allowed from any status; the merged content must still be
// valid for the suggestion's type.
func (m *Manager) Modify(ctx context.Context, userID, id string, update json.RawMessage) (item store.Suggestion, err error) {
	ctx, span := telemetry.StartSpan(ctx, "suggestion.Modify", "suggestion_id", id)
	defer func() {
		telemetry.EndSpan(span, err)
		telemetry.SuggestionTransitions.WithLabelValues(typeLabel(item.Type), "modify", telemetry.Result(err)).Inc()
	}()

	item, err = m.store.GetSuggestion(ctx, id, userID)
	if err != nil {
		return item, fmt.Errorf("modify suggestion: %w", err)
	}
	merged, err := mergeContent(item.Content, update)
	if err != nil {
		return item, err
	}
	if _, err := DecodeContent(item.Type, merged); err != nil {
		return item, err
	}

	item.Content = merged
	item.Status = store.StatusModified
	if err := m.store.UpdateSuggestion(ctx, item); err != nil {
		return item, fmt.Errorf("modify suggestion: %w", err)
	}
	item, err = m.store.GetSuggestion(ctx, id, userID)
	if err != nil {
		return item, fmt.Errorf("modify suggestion: reload: %w", err)
	}

	m.notifier.Notify(item.SessionID, realtime.EventSuggestionModified, item)
	return item, nil
}

// narrate appends the user's message and a system acknowledgment to the
// session transcript. Failures are logged only.
func (m *Manager) narrate(ctx context.Context, sessionID, message, ack string) {
	if m.chat == nil || strings.TrimSpace(message) == "" || sessionID == "" {
		return
	}
	entries := []session.Message{
		{SessionID: sessionID, Role: session.RoleUser, Content: message},
		{SessionID: sessionID, Role: session.RoleSystem, Content: ack},
	}
	for _, entry := range entries {
		if err := m.chat.AddMessage(ctx, entry); err != nil {
			log.WithField("session_id", sessionID).WithError(err).Warn("append chat message")
			return
		}
	}
}

func acceptAck(item store.Suggestion) string {
	switch item.Type {
	case store.SuggestionBoard:
		return "Board created from the suggestion."
	case store.SuggestionTaskBreakdown:
		return "Task and subtasks added to the board."
	case store.SuggestionTaskImprovement:
		if item.Metadata.TaskID == "" {
			return "Suggestion acknowledged."
		}
		return "Task updated with the suggested improvements."
	default:
		return "Suggestion accepted."
	}
}

// typeLabel keeps metric labels non-empty when the suggestion never loaded.
func typeLabel(t store.SuggestionType) string {
	if t == "" {
		return "unknown"
	}
	return string(t)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
