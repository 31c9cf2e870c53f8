package pipeline

import (
	"errors"

	"github.com/mbd888/clicense/internal/completion"
)

// ErrInvalidInput is returned before any outbound call or ledger access
// when a request is missing its URL or message.
var ErrInvalidInput = errors.New("invalid input")

// RetrievalError means the target document could not be fetched. No
// verdict is produced.
type RetrievalError struct {
	URL        string
	Reason     string
	StatusCode int
	Err        error
}

func (e *RetrievalError) Error() string {
	return "could not retrieve " + e.URL + ": " + e.Reason
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// ClassificationUnavailableError means the completion service produced no
// response to classify.
type ClassificationUnavailableError struct {
	Err error
}

func (e *ClassificationUnavailableError) Error() string {
	return "classification unavailable: " + e.Err.Error()
}

func (e *ClassificationUnavailableError) Unwrap() error { return e.Err }

// RateLimited reports whether the completion service throttled the call.
func (e *ClassificationUnavailableError) RateLimited() bool {
	return completion.KindOf(e.Err) == completion.KindRateLimited
}
