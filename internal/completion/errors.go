package completion

import "errors"

// Kind distinguishes completion failures callers must treat differently.
type Kind int

const (
	KindUnavailable Kind = iota
	KindRateLimited
	KindCreditsExhausted
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindCreditsExhausted:
		return "credits_exhausted"
	default:
		return "unavailable"
	}
}

var (
	ErrUnavailable      = errors.New("completion: service unavailable")
	ErrRateLimited      = errors.New("completion: rate limited")
	ErrCreditsExhausted = errors.New("completion: provider credits exhausted")
)

// Error is returned for every failed completion call.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrCreditsExhausted:
		return e.Kind == KindCreditsExhausted
	}
	return false
}

// KindOf returns the failure kind of err, treating foreign errors as unavailable.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnavailable
}
