package store

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskTodo  TaskStatus = "Todo"
	TaskDoing TaskStatus = "Doing"
	TaskDone  TaskStatus = "Done"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskDoing, TaskDone:
		return true
	default:
		return false
	}
}

// Board is the aggregate root. Columns is populated only by reads that load
// the full graph and is always sorted by Order.
type Board struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	OwnerID            string    `json:"ownerId"`
	SourceSuggestionID string    `json:"sourceSuggestionId,omitempty"`
	Columns            []Column  `json:"columns"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Column.Order is the authoritative sibling sequence. Position is a hint
// carried over from whoever described the board.
type Column struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	Order     int       `json:"order"`
	Tasks     []Task    `json:"tasks"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Task struct {
	ID          string     `json:"id"`
	ColumnID    string     `json:"columnId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Position    int        `json:"position"`
	Order       int        `json:"order"`
	Subtasks    []Subtask  `json:"subtasks"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type Subtask struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"taskId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
	Order       int       `json:"order"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type SuggestionType string

const (
	SuggestionBoard           SuggestionType = "board"
	SuggestionTaskBreakdown   SuggestionType = "task-breakdown"
	SuggestionTaskImprovement SuggestionType = "task-improvement"
)

type SuggestionStatus string

const (
	StatusPending  SuggestionStatus = "pending"
	StatusAccepted SuggestionStatus = "accepted"
	StatusRejected SuggestionStatus = "rejected"
	StatusModified SuggestionStatus = "modified"
)

// SuggestionMetadata holds the routing hints and materialization results of a
// suggestion. Extra keeps any producer-supplied keys this service does not
// interpret. Materialized is set once the suggestion has been applied and
// outlives later status changes, so an applied suggestion is never applied
// twice.
type SuggestionMetadata struct {
	BoardID           string         `json:"boardId,omitempty"`
	ColumnID          string         `json:"columnId,omitempty"`
	TaskID            string         `json:"taskId,omitempty"`
	IsBatchSuggestion bool           `json:"isBatchSuggestion,omitempty"`
	Materialized      bool           `json:"materialized,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Suggestion is a proposed change awaiting the user's decision. Content is
// stored untyped; its shape is determined by Type.
type Suggestion struct {
	ID                  string             `json:"id"`
	UserID              string             `json:"userId"`
	SessionID           string             `json:"sessionId"`
	Type                SuggestionType     `json:"type"`
	Status              SuggestionStatus   `json:"status"`
	Content             json.RawMessage    `json:"content"`
	OriginalMessage     string             `json:"originalMessage"`
	Metadata            SuggestionMetadata `json:"metadata"`
	RelatedSuggestionID string             `json:"relatedSuggestionId,omitempty"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// SuggestionFilter narrows ListSuggestions. Empty fields match everything.
type SuggestionFilter struct {
	SessionID string
	Status    SuggestionStatus
}
