package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"boardpilot/api/internal/auth"
	"boardpilot/api/internal/boardctx"
	"boardpilot/api/internal/store"
	"boardpilot/api/internal/suggestion"
)

// DomainError is an error with a fixed HTTP rendering. Cause is the error it
// was classified from, if any; it is logged but never sent to the client.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// classified wraps cause so errors.Is still sees the sentinel it came from.
func classified(status int, code, message string, cause error) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// toDomainError resolves any error returned by a handler into the response
// it renders as. Unknown errors become a 500 with the cause kept for logging.
func toDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var matErr *suggestion.MaterializationError
	if errors.As(err, &matErr) {
		e := classified(http.StatusUnprocessableEntity, "MATERIALIZATION_FAILED", "Suggestion could not be applied", err)
		e.Details = map[string]any{
			"suggestionId": matErr.SuggestionID,
			"type":         matErr.Type,
			"reason":       matErr.Err.Error(),
		}
		return e
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return classified(http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE",
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), err)
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code := strings.ToUpper(strings.ReplaceAll(http.StatusText(httpErr.Code), " ", "_"))
		return classified(httpErr.Code, code, fmt.Sprint(httpErr.Message), err)
	}
	switch {
	case errors.Is(err, suggestion.ErrInvalidContent):
		return classified(http.StatusBadRequest, "INVALID_CONTENT", err.Error(), err)
	case errors.Is(err, boardctx.ErrInvalidContext):
		return classified(http.StatusBadRequest, "INVALID_CONTEXT", err.Error(), err)
	case errors.Is(err, suggestion.ErrInvalidType):
		return classified(http.StatusBadRequest, "INVALID_TYPE", err.Error(), err)
	case errors.Is(err, suggestion.ErrInvalidTransition):
		return classified(http.StatusConflict, "INVALID_TRANSITION", err.Error(), err)
	case errors.Is(err, store.ErrNotFound):
		return classified(http.StatusNotFound, "NOT_FOUND", "Not found", err)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrMissingToken):
		return classified(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", err)
	}
	return classified(http.StatusInternalServerError, "SERVER_ERROR", "Server error", err)
}
