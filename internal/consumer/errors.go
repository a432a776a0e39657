package consumer

import (
	"github.com/go-faster/errors"
)

// ErrRetriesExhausted is the dead-letter reason of a message whose handler
// kept failing after every retry.
var ErrRetriesExhausted = errors.New("retries exhausted")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a content error: retrying the same message can
// never succeed, so it is dead-lettered on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
