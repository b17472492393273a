package streamlog

import "github.com/juju/errors"

const (
	// ErrInvalidArgument reports a usage error: unknown log, duplicate
	// tailer claim, codec mismatch, malformed name.
	ErrInvalidArgument = errors.ConstError("invalid argument")
	// ErrIllegalState reports an operation the resource cannot perform in
	// its current state, such as seeking an unassigned partition.
	ErrIllegalState = errors.ConstError("illegal state")
	// ErrClosed is returned by every operation on a closed appender, tailer
	// or manager.
	ErrClosed = errors.ConstError("resource closed")
)

// InvalidArgumentf annotates ErrInvalidArgument.
func InvalidArgumentf(format string, args ...any) error {
	return errors.Annotatef(ErrInvalidArgument, format, args...)
}

// IllegalStatef annotates ErrIllegalState.
func IllegalStatef(format string, args ...any) error {
	return errors.Annotatef(ErrIllegalState, format, args...)
}
