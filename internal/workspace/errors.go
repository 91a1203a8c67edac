package workspace

import (
	"errors"
	"fmt"
)

var (
	ErrNotSignedIn     = errors.New("not signed in")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUploadsDisabled = errors.New("file uploads are not configured")
	ErrUnknownChannel  = errors.New("unknown channel")
	// ErrProfileLoading is returned for profile edits made before the stored
	// profile has arrived.
	ErrProfileLoading = errors.New("profile is still loading")
	// ErrStaleSession is returned when the session that started an operation
	// ended before the operation finished.
	ErrStaleSession = errors.New("session ended")
)

// WriteError is a remote write that failed and was rolled back locally.
type WriteError struct {
	Action string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Action, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
