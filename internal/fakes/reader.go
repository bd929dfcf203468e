package fakes

import (
	"errors"
	"io"
)

// ErrConnectionReset is the stream failure injected by BreakingReader.
var ErrConnectionReset = errors.New("read: connection reset by peer")

// BreakingReader reads from R until BreakAfter bytes were returned, then
// fails with Err (ErrConnectionReset when nil).
type BreakingReader struct {
	R          io.Reader
	BreakAfter int64
	Err        error

	n int64
}

// Read ...
func (r *BreakingReader) Read(p []byte) (int, error) {
	remaining := r.BreakAfter - r.n
	if remaining <= 0 {
		if r.Err != nil {
			return 0, r.Err
		}
		return 0, ErrConnectionReset
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.R.Read(p)
	r.n += int64(n)
	return n, err
}

// Pattern returns size deterministic, position dependent bytes, so that a
// duplicated or skipped range is visible in a byte comparison.
func Pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*31 + i/251) % 256)
	}
	return data
}
