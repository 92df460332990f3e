package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransient marks failures that may succeed on retry: rate limits,
	// server errors, timeouts and dropped connections.
	ErrTransient = errors.New("llm: transient failure")

	// ErrInvalidRequest marks failures that will fail again unchanged:
	// authentication, malformed input, unknown model.
	ErrInvalidRequest = errors.New("llm: invalid request")
)

// IsTransient reports whether err is worth retrying. Errors that carry no
// classification are treated as transient, except for caller cancellation.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidRequest):
		return false
	case errors.Is(err, ErrTransient):
		return true
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// ClassifyStatus maps an HTTP status code onto [ErrTransient] or
// [ErrInvalidRequest]. It returns nil for codes that carry no signal.
func ClassifyStatus(code int) error {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return ErrTransient
	case code >= 400:
		return ErrInvalidRequest
	default:
		return nil
	}
}

// Classify annotates err with the class derived from an HTTP status code.
// When the code carries no signal err is returned unchanged.
func Classify(err error, code int) error {
	if err == nil {
		return nil
	}
	class := ClassifyStatus(code)
	if class == nil {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}
