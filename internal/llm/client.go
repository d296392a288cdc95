// Package llm provides text-generation backends.
//
// A Client turns a conversation into text. Clients make exactly one attempt per
// call; retries, admission control, and rate limiting belong to the gate.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/tabledoc/internal/prompt"
)

// ErrEmptyResponse is returned when a backend answers without any content.
var ErrEmptyResponse = errors.New("empty response from model")

// Request is a single generation call.
type Request struct {
	// Role names the pipeline role issuing the call (planner, writer, ...).
	Role string
	// Model overrides the backend's default model when set.
	Model    string
	Messages []prompt.Message
	// JSON asks the backend for a JSON object response where supported.
	JSON bool
}

// Client generates text for a request.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// StatusError carries the HTTP status of a failed backend call.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model API error (%d): %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient failure worth retrying.
//
// Rate limiting (429), request timeouts (408), and server errors (5xx) are
// retryable, as are transport failures without a status. Other 4xx responses
// and context cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return true
		case se.StatusCode == http.StatusRequestTimeout:
			return true
		case se.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return true
}
