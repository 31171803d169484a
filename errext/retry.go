package errext

import "errors"

// HasRetry is implemented by errors that know whether the failed operation
// may succeed when attempted again, e.g. after reattaching to a target.
type HasRetry interface {
	error
	Retryable() bool
}

// WithRetryable marks err as retryable (or not). A nil error stays nil.
func WithRetryable(err error, retryable bool) error {
	if err == nil {
		return nil
	}
	return withRetry{err, retryable}
}

type withRetry struct {
	error
	retryable bool
}

func (wr withRetry) Unwrap() error {
	return wr.error
}

func (wr withRetry) Retryable() bool {
	return wr.retryable
}

// IsRetryable reports whether any error in err's chain declares itself
// retryable. Errors that say nothing are not retryable.
func IsRetryable(err error) bool {
	var rerr HasRetry
	if errors.As(err, &rerr) {
		return rerr.Retryable()
	}
	return false
}

var _ HasRetry = withRetry{}
