package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Request is a single outgoing call travelling through a Pipeline.
//
// The embedded http.Request carries method, URL, headers and body. A body
// is replayable when GetBody is set: NewRequest sets it for in-memory
// readers and for any io.ReadSeeker, so the retry policy can re-send the
// exact same bytes on every attempt.
type Request struct {
	*http.Request
}

// NewRequest creates a Request bound to ctx.
func NewRequest(ctx context.Context, method, rawURL string, body io.Reader) (*Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil && req.GetBody == nil {
		if seeker, ok := body.(io.ReadSeeker); ok {
			if err := setSeekableBody(req, seeker); err != nil {
				return nil, err
			}
		}
	}

	return &Request{Request: req}, nil
}

// IsReplayable reports whether the body can be produced again for another attempt.
func (r *Request) IsReplayable() bool {
	return r.Body == nil || r.Body == http.NoBody || r.GetBody != nil
}

// Clone returns a copy of the request bound to ctx, with a freshly opened body.
func (r *Request) Clone(ctx context.Context) (*Request, error) {
	clone := r.Request.Clone(ctx)
	if r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		clone.Body = body
	}
	return &Request{Request: clone}, nil
}

func setSeekableBody(req *http.Request, seeker io.ReadSeeker) error {
	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("seek request body: %w", err)
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek request body: %w", err)
	}
	if _, err := seeker.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("seek request body: %w", err)
	}

	// The transport closes request bodies; the caller owns the seeker.
	req.Body = io.NopCloser(seeker)
	req.ContentLength = end - start
	req.GetBody = func() (io.ReadCloser, error) {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return nil, err
		}
		return io.NopCloser(seeker), nil
	}
	if req.ContentLength == 0 {
		req.Body = http.NoBody
		req.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
	}
	return nil
}

// Response is the result of a Request.
//
// Request is attached by ResponsePolicy; transports are not required to
// keep a link to the request they executed.
type Response struct {
	*http.Response
	Request *Request
}
