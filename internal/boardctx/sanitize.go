package boardctx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// identifierKeys are dropped at every level of the tree. Producers sometimes
// echo ids they saw earlier; those are hints at best and must never be
// mistaken for storage keys.
var identifierKeys = map[string]struct{}{
	"id":        {},
	"_id":       {},
	"boardId":   {},
	"columnId":  {},
	"taskId":    {},
	"subtaskId": {},
	"ownerId":   {},
}

// nameAliases maps alternative spellings producers use for the identity field.
var nameAliases = map[string][2]string{
	"columns":  {"name", "title"},
	"tasks":    {"title", "name"},
	"subtasks": {"title", "name"},
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// Parse decodes a JSON document and sanitizes it.
func Parse(data []byte) (BoardContext, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return BoardContext{}, fmt.Errorf("%w: empty document", ErrInvalidContext)
	}
	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return BoardContext{}, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	return Sanitize(raw)
}

// Sanitize strips identifier fields from every level of raw, normalizes
// loosely typed values and returns the validated tree. raw is not modified.
func Sanitize(raw map[string]any) (BoardContext, error) {
	if raw == nil {
		return BoardContext{}, fmt.Errorf("%w: context is required", ErrInvalidContext)
	}
	cleaned := clean(raw, "")

	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return BoardContext{}, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	var out BoardContext
	if err := json.Unmarshal(encoded, &out); err != nil {
		return BoardContext{}, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	if err := Validate(out); err != nil {
		return BoardContext{}, err
	}
	return out, nil
}

// Validate checks the structural rules of a typed context.
func Validate(bc BoardContext) error {
	if err := validate.Struct(bc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidContext, describe(verrs[0]))
		}
		return fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	path := fe.Namespace()
	if idx := strings.Index(path, "."); idx >= 0 {
		path = path[idx+1:]
	}
	switch fe.Tag() {
	case "notblank":
		return path + " must not be blank"
	case "min":
		return path + " must be >= " + fe.Param()
	default:
		return path + " failed " + fe.Tag()
	}
}

// clean returns a deep copy of value with identifier keys removed. parent is
// the key under which value was found and drives alias handling.
func clean(value any, parent string) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			if _, drop := identifierKeys[key]; drop {
				continue
			}
			switch key {
			case "position":
				if pos, ok := normalizePosition(child); ok {
					out[key] = pos
				}
				continue
			case "description":
				if s, ok := child.(string); ok {
					out[key] = s
				}
				continue
			}
			out[key] = clean(child, key)
		}
		if aliases, ok := nameAliases[parent]; ok {
			primary, alt := aliases[0], aliases[1]
			if s, _ := out[primary].(string); strings.TrimSpace(s) == "" {
				if altValue, ok := out[alt].(string); ok {
					out[primary] = altValue
				}
			}
			delete(out, alt)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, clean(item, parent))
		}
		return out
	default:
		return v
	}
}

// normalizePosition accepts integral numbers and numeric strings. Anything
// else is dropped so the index-derived default applies.
func normalizePosition(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) || v > math.MaxInt32 {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 || n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case int:
		if v < 0 {
			return 0, false
		}
		return v, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
