package download

import (
	"errors"
	"fmt"
)

// ErrRangeIgnored is returned when a resumption request was answered with
// the full resource instead of the requested range.
var ErrRangeIgnored = errors.New("download: server ignored the range of a resumption request")

var errClosed = errors.New("download: reader closed")

// StaleResourceError is returned when the resource changed between two
// requests of the same transfer. No bytes of the new version are delivered.
type StaleResourceError struct {
	// Offset is the number of bytes of the old version already delivered,
	// counted from the start of the resource.
	Offset   int64
	Expected string
	Actual   string
	Err      error
}

func (e *StaleResourceError) Error() string {
	msg := fmt.Sprintf("resource changed during download at offset %d (expected etag %s", e.Offset, e.Expected)
	if e.Actual != "" {
		msg += ", got " + e.Actual
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StaleResourceError) Unwrap() error {
	return e.Err
}

// ResumeError is returned when a transfer could not be continued after a
// stream break.
type ResumeError struct {
	Offset  int64
	Resumes int
	Err     error
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("download failed at offset %d after %d resumes: %s", e.Offset, e.Resumes, e.Err)
}

func (e *ResumeError) Unwrap() error {
	return e.Err
}
