package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"boardpilot/api/internal/boardctx"
	"boardpilot/api/internal/config"
	"boardpilot/api/internal/realtime"
	"boardpilot/api/internal/reconcile"
	"boardpilot/api/internal/session"
	"boardpilot/api/internal/store"
	"boardpilot/api/internal/suggestion"
)

// Store is the persistence surface the service runs on. *store.PostgresStore
// and *store.MemoryStore both satisfy it.
type Store interface {
	reconcile.GraphStore
	suggestion.Store
	ListBoards(ctx context.Context, ownerID string) ([]store.Board, error)
	DeleteBoard(ctx context.Context, boardID, ownerID string) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg         config.Config
	store       Store
	boards      *reconcile.Reconciler
	suggestions *suggestion.Manager
	chat        session.Store
	notifier    realtime.Notifier
}

// NewService wires the reconciler and the suggestion manager over st. tx may
// be nil, in which case plans are always applied sequentially.
func NewService(cfg config.Config, st Store, tx reconcile.TxFunc, notifier realtime.Notifier, chat session.Store) *Service {
	if notifier == nil {
		notifier = realtime.Nop{}
	}
	if chat == nil {
		chat = session.NewMemoryStore()
	}
	status := store.TaskStatus(cfg.DefaultTaskStatus)
	boards := reconcile.New(st, reconcile.Options{
		DefaultTaskStatus: status,
		Atomic:            cfg.ReconcileAtomic,
	})
	if tx != nil {
		boards = boards.WithTx(tx)
	}
	return &Service{
		cfg:    cfg,
		store:  st,
		boards: boards,
		suggestions: suggestion.NewManager(st, boards, notifier, chat, suggestion.Config{
			BatchConcurrency:  cfg.BatchConcurrency,
			DefaultTaskStatus: status,
		}),
		chat:     chat,
		notifier: notifier,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ListBoards(ctx context.Context, userID string) ([]store.Board, error) {
	boards, err := s.store.ListBoards(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	if boards == nil {
		boards = []store.Board{}
	}
	return boards, nil
}

func (s *Service) GetBoard(ctx context.Context, userID, boardID string) (store.Board, error) {
	board, err := s.store.GetBoard(ctx, boardID, userID)
	if err != nil {
		return store.Board{}, fmt.Errorf("get board: %w", err)
	}
	return board, nil
}

// CreateBoard builds a new board from an untrusted board description.
func (s *Service) CreateBoard(ctx context.Context, userID, sessionID string, raw json.RawMessage) (reconcile.Result, error) {
	bc, err := boardctx.Parse(raw)
	if err != nil {
		return reconcile.Result{}, err
	}
	result, err := s.boards.CreateFromContext(ctx, bc, userID, "")
	if err != nil {
		return reconcile.Result{}, err
	}
	s.notifier.Notify(sessionID, realtime.EventBoardCreated, result.Board)
	return result, nil
}

// UpdateBoardContext reconciles an existing board with a full description of
// how it should look.
func (s *Service) UpdateBoardContext(ctx context.Context, userID, sessionID, boardID string, raw json.RawMessage) (reconcile.Result, error) {
	bc, err := boardctx.Parse(raw)
	if err != nil {
		return reconcile.Result{}, err
	}
	result, err := s.boards.UpdateFromContext(ctx, boardID, bc, userID)
	if err != nil {
		return reconcile.Result{}, err
	}
	if result.Summary.Changed() {
		s.notifier.Notify(sessionID, realtime.EventBoardUpdated, result.Board)
	}
	return result, nil
}

func (s *Service) DeleteBoard(ctx context.Context, userID, boardID string) error {
	if err := s.store.DeleteBoard(ctx, boardID, userID); err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	log.WithFields(log.Fields{"board_id": boardID, "owner_id": userID}).Info("board deleted")
	return nil
}

func (s *Service) CreateSuggestion(ctx context.Context, userID string, in suggestion.NewSuggestion) (store.Suggestion, error) {
	in.UserID = userID
	return s.suggestions.Create(ctx, in)
}

func (s *Service) GetSuggestion(ctx context.Context, userID, id string) (store.Suggestion, error) {
	return s.suggestions.Get(ctx, userID, id)
}

func (s *Service) ListSuggestions(ctx context.Context, userID, sessionID, status string) ([]store.Suggestion, error) {
	filter := store.SuggestionStatus(status)
	switch filter {
	case "", store.StatusPending, store.StatusAccepted, store.StatusRejected, store.StatusModified:
	default:
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "status must be one of pending, accepted, rejected, modified", nil)
	}
	items, err := s.suggestions.List(ctx, userID, sessionID, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.Suggestion{}
	}
	return items, nil
}

func (s *Service) AcceptSuggestion(ctx context.Context, userID, id, message string) (store.Suggestion, error) {
	return s.suggestions.Accept(ctx, userID, id, suggestion.AcceptOptions{Message: message})
}

func (s *Service) RejectSuggestion(ctx context.Context, userID, id, message string) (store.Suggestion, error) {
	return s.suggestions.Reject(ctx, userID, id, message)
}

func (s *Service) ModifySuggestion(ctx context.Context, userID, id string, update json.RawMessage) (store.Suggestion, error) {
	return s.suggestions.Modify(ctx, userID, id, update)
}

func (s *Service) AcceptSuggestions(ctx context.Context, userID string, ids []string, message string) (suggestion.BatchResult, error) {
	if len(ids) == 0 {
		return suggestion.BatchResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ids is required", nil)
	}
	return s.suggestions.AcceptBatch(ctx, userID, ids, message), nil
}

func (s *Service) RejectSuggestions(ctx context.Context, userID string, ids []string, message string) (suggestion.BatchResult, error) {
	if len(ids) == 0 {
		return suggestion.BatchResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ids is required", nil)
	}
	return s.suggestions.RejectBatch(ctx, userID, ids, message), nil
}

func (s *Service) SessionMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	msgs, err := s.chat.Messages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session messages: %w", err)
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	return msgs, nil
}

// PingChat checks the chat transcript backend when it supports it.
func (s *Service) PingChat(ctx context.Context) error {
	if p, ok := s.chat.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
