package download

import (
	"fmt"
	"strings"
)

// Cursor tracks how far a transfer has progressed.
type Cursor struct {
	// Start is the first byte of the requested range.
	Start int64
	// Count is the requested length; 0 reads to the end of the resource.
	Count int64
	// Delivered is the number of bytes handed to the caller so far.
	Delivered int64
	// ETag is the version token captured from the first response.
	ETag string
}

// Offset is the absolute position of the next byte to deliver.
func (c Cursor) Offset() int64 {
	return c.Start + c.Delivered
}

// Remaining returns the number of bytes still owed, or -1 for an open-ended range.
func (c Cursor) Remaining() int64 {
	if c.Count <= 0 {
		return -1
	}
	return c.Count - c.Delivered
}

// Complete reports whether a bounded range was fully delivered.
func (c Cursor) Complete() bool {
	return c.Count > 0 && c.Delivered >= c.Count
}

// RangeHeader returns the Range header for the bytes not yet delivered.
func (c Cursor) RangeHeader() string {
	if c.Count <= 0 {
		return fmt.Sprintf("bytes=%d-", c.Offset())
	}
	return fmt.Sprintf("bytes=%d-%d", c.Offset(), c.Start+c.Count-1)
}

// normalizeETag strips the weak marker so strong and weak renderings of the
// same version compare equal.
func normalizeETag(etag string) string {
	return strings.TrimPrefix(strings.TrimSpace(etag), "W/")
}
