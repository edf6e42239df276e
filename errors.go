package tracehist

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the tracehist package.
var (
	// ErrTimeRange is returned when a query timestamp falls outside the
	// history's [startTime, endTime] range.
	ErrTimeRange = errors.New("timestamp outside of history range")

	// ErrAttributeTreeImmutable is returned when a caller tries to create
	// attributes through a shadow state system.
	ErrAttributeTreeImmutable = errors.New("shadow state system cannot modify the attribute tree")

	// ErrCorrupt is returned when a history file has a bad magic number,
	// an unsupported version, an unknown value type, or a truncated tile.
	ErrCorrupt = errors.New("history file is corrupt")

	// ErrDisposed is returned for operations on a disposed backend, or on a
	// shadow state system whose upstream was assigned as nil.
	ErrDisposed = errors.New("history backend is disposed")

	// ErrCancelled is returned when a replay or a latch wait is cancelled
	// through its context.
	ErrCancelled = errors.New("operation cancelled")

	// ErrValueTooLarge is returned when a string or custom state value
	// exceeds the maximum encodable payload size.
	ErrValueTooLarge = errors.New("state value exceeds maximum encodable size")
)

// TimeRangeError reports a query timestamp outside the valid history range.
type TimeRangeError struct {
	SSID  string
	T     int64
	Start int64
	End   int64
}

func (e *TimeRangeError) Error() string {
	return fmt.Sprintf("%s: time %d outside of range [%d, %d]", e.SSID, e.T, e.Start, e.End)
}

// Is implements error matching for TimeRangeError.
func (e *TimeRangeError) Is(target error) bool {
	return target == ErrTimeRange
}

// CorruptError provides detail about a corrupt or unreadable history file.
type CorruptError struct {
	Path   string
	Reason string
	Cause  error
}

func (e *CorruptError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Reason, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Reason, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason
}

func (e *CorruptError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for CorruptError.
func (e *CorruptError) Is(target error) bool {
	return target == ErrCorrupt
}

func newCorruptError(path, reason string, cause error) *CorruptError {
	return &CorruptError{Path: path, Reason: reason, Cause: cause}
}
