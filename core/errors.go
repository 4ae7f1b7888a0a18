package core

import "github.com/cockroachdb/errors"

var (
	// ErrTaskLimit is returned by NewTask when the domain already holds
	// DomainConfig.MaxTasks live tasks. Retrying is up to the caller.
	ErrTaskLimit = errors.New("task limit reached")

	// ErrDomainStopped is returned by NewTask after the domain began shutting down.
	ErrDomainStopped = errors.New("domain is stopped")

	// ErrInvalidDescriptor wraps every descriptor validation failure.
	ErrInvalidDescriptor = errors.New("invalid state machine descriptor")
)

// assertf panics with an assertion failure when cond is false. Assertion
// failures mark contract violations by the caller; they are never returned as
// errors.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(errors.AssertionFailedf(format, args...))
	}
}

func assertionf(format string, args ...any) error {
	return errors.AssertionFailedf(format, args...)
}
