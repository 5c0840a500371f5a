package suggestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"boardpilot/api/internal/boardctx"
	"boardpilot/api/internal/store"
)

var ErrInvalidContent = errors.New("invalid suggestion content")

// Content is the typed payload of a suggestion. The concrete type is fixed by
// the suggestion's Type; use DecodeContent rather than decoding by hand.
type Content interface {
	Type() store.SuggestionType
}

// BoardContent proposes a whole new board.
type BoardContent struct {
	Board boardctx.BoardContext
}

func (BoardContent) Type() store.SuggestionType { return store.SuggestionBoard }

func (c BoardContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Board)
}

type TaskDraft struct {
	Title       string `json:"title" validate:"notblank"`
	Description string `json:"description,omitempty"`
}

// TaskBreakdownContent proposes one task split into subtasks.
type TaskBreakdownContent struct {
	MainTask TaskDraft   `json:"mainTask"`
	Subtasks []TaskDraft `json:"subtasks" validate:"dive"`
}

func (TaskBreakdownContent) Type() store.SuggestionType { return store.SuggestionTaskBreakdown }

type ImprovedTask struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// TaskImprovementContent proposes a better title and/or description for an
// existing task. OriginalTask is informational only.
type TaskImprovementContent struct {
	OriginalTask ImprovedTask `json:"originalTask"`
	ImprovedTask ImprovedTask `json:"improvedTask"`
	Reasoning    string       `json:"reasoning,omitempty"`
}

func (TaskImprovementContent) Type() store.SuggestionType { return store.SuggestionTaskImprovement }

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// ValidType reports whether t is one of the known suggestion types.
func ValidType(t store.SuggestionType) bool {
	switch t {
	case store.SuggestionBoard, store.SuggestionTaskBreakdown, store.SuggestionTaskImprovement:
		return true
	default:
		return false
	}
}

// DecodeContent decodes raw according to t and validates the result.
func DecodeContent(t store.SuggestionType, raw json.RawMessage) (Content, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidContent)
	}
	switch t {
	case store.SuggestionBoard:
		bc, err := boardctx.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidContent, err)
		}
		return BoardContent{Board: bc}, nil

	case store.SuggestionTaskBreakdown:
		var c TaskBreakdownContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		if err := validate.Struct(c); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidContent, fieldError(err))
		}
		return c, nil

	case store.SuggestionTaskImprovement:
		var c TaskImprovementContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		if strings.TrimSpace(c.ImprovedTask.Title) == "" && strings.TrimSpace(c.ImprovedTask.Description) == "" {
			return nil, fmt.Errorf("%w: improvedTask needs a title or description", ErrInvalidContent)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidContent, t)
	}
}

func fieldError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
	return err.Error()
}

// mergeContent overlays the top-level keys of update onto current.
func mergeContent(current, update json.RawMessage) (json.RawMessage, error) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(update, &patch); err != nil || patch == nil {
		return nil, fmt.Errorf("%w: update must be a JSON object", ErrInvalidContent)
	}
	merged := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(current)) > 0 {
		if err := json.Unmarshal(current, &merged); err != nil || merged == nil {
			merged = map[string]json.RawMessage{}
		}
	}
	for key, value := range patch {
		merged[key] = value
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return out, nil
}
