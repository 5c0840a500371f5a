package suggestion

import (
	"errors"
	"fmt"

	"boardpilot/api/internal/store"
)

// ErrNotFound is returned when a suggestion, or an entity it points at, does
// not resolve for the calling user.
var ErrNotFound = store.ErrNotFound

var (
	ErrInvalidTransition = errors.New("invalid suggestion transition")
	ErrNoTargetColumn    = errors.New("no target column")
	ErrInvalidType       = errors.New("unknown suggestion type")
)

// MaterializationError reports that an accepted suggestion could not be
// applied. The suggestion is never left accepted when this is returned.
type MaterializationError struct {
	SuggestionID string
	Type         store.SuggestionType
	Err          error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("materialize %s suggestion %s: %v", e.Type, e.SuggestionID, e.Err)
}

func (e *MaterializationError) Unwrap() error { return e.Err }

func transitionError(action string, from store.SuggestionStatus) error {
	return fmt.Errorf("%w: cannot %s a %s suggestion", ErrInvalidTransition, action, from)
}

func appliedError(action, id string) error {
	return fmt.Errorf("%w: cannot %s suggestion %s, it was already applied", ErrInvalidTransition, action, id)
}
