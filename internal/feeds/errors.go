package feeds

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Error categories. Adapter errors carry exactly one of these marks;
// test with errors.Is.
var (
	ErrAuth      = errors.New("auth error")
	ErrRateLimit = errors.New("rate limit error")
	ErrNotFound  = errors.New("not found error")
	ErrTransient = errors.New("transient error")
)

const (
	CategoryAuth      = "AuthError"
	CategoryRateLimit = "RateLimitError"
	CategoryNotFound  = "NotFoundError"
	CategoryTransient = "TransientError"
	CategoryUnknown   = "UnknownError"
)

// Category returns the name of the category err belongs to.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return CategoryAuth
	case errors.Is(err, ErrRateLimit):
		return CategoryRateLimit
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrTransient):
		return CategoryTransient
	default:
		return CategoryUnknown
	}
}

func markf(category error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), category)
}

func markWrapf(category error, err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), category)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
