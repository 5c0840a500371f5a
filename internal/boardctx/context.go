// Package boardctx defines the board context tree that describes the desired
// column/task/subtask layout of a board, and the sanitizer that turns a
// loosely typed producer payload into that tree.
package boardctx

import (
	"errors"
	"strings"
)

// ErrInvalidContext is returned for a missing, malformed or invalid board
// context. Callers can rely on no mutation having happened.
var ErrInvalidContext = errors.New("invalid board context")

// BoardContext is the desired state of a board. It never carries storage
// identifiers; the sanitizer strips them before decoding.
type BoardContext struct {
	Name    string          `json:"name"`
	Columns []ColumnContext `json:"columns" validate:"dive"`
}

type ColumnContext struct {
	Name     string        `json:"name" validate:"notblank"`
	Position *int          `json:"position,omitempty" validate:"omitempty,min=0"`
	Tasks    []TaskContext `json:"tasks" validate:"dive"`
}

type TaskContext struct {
	Title       string           `json:"title" validate:"notblank"`
	Description string           `json:"description,omitempty"`
	Position    *int             `json:"position,omitempty" validate:"omitempty,min=0"`
	Subtasks    []SubtaskContext `json:"subtasks" validate:"dive"`
}

type SubtaskContext struct {
	Title       string `json:"title" validate:"notblank"`
	Description string `json:"description,omitempty"`
}

// Key is the sibling identity used when matching against stored entities.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IntPtr is a convenience for building contexts with position hints.
func IntPtr(v int) *int {
	return &v
}
