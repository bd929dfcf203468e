// Package download reads a remote resource as one byte stream that
// survives broken connections.
//
// A Reader issues a ranged GET through a pipeline and relays the body.
// When the body fails before the expected length arrived, it issues a new
// ranged GET starting at the first byte the caller has not received yet.
// The ETag of the first response is captured and sent as If-Match on
// every resumption, so bytes of two different versions of a resource are
// never spliced together: a changed resource ends the transfer with
// *StaleResourceError.
//
// States:
//
//	idle -> requesting -> streaming -> done
//	                         |
//	                         +-> (stream break) -> requesting
//	any -> fatal
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-blobstore/pipeline"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// DefaultMaxResumes is the number of resumptions allowed per transfer when
// Options.MaxResumes is zero.
const DefaultMaxResumes = 5

// Doer sends a request through a pipeline. *pipeline.Pipeline satisfies it.
type Doer interface {
	Do(req *pipeline.Request) (*pipeline.Response, error)
}

// Options configures a Reader.
type Options struct {
	// Offset is the first byte to read.
	Offset int64

	// Count is the number of bytes to read; 0 reads to the end.
	Count int64

	// ETag, when set, is required to match from the first request on.
	ETag string

	// MaxResumes bounds the resumptions after stream breaks.
	// Default: 5, negative disables resumption.
	MaxResumes int

	Logger log.Logger
}

type state int

const (
	stateIdle state = iota
	stateRequesting
	stateStreaming
	stateDone
	stateFatal
)

// Reader is a resumable, single-consumer io.ReadCloser over a remote resource.
type Reader struct {
	ctx        context.Context
	doer       Doer
	url        string
	logger     log.Logger
	maxResumes int

	state    state
	cursor   Cursor
	resumes  int
	err      error
	header   http.Header
	body     io.ReadCloser
	expected int64
	received int64
}

// NewReader returns a Reader for rawURL. No request is made until the
// first Read or Open.
func NewReader(ctx context.Context, doer Doer, rawURL string, opts Options) *Reader {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	maxResumes := opts.MaxResumes
	switch {
	case maxResumes == 0:
		maxResumes = DefaultMaxResumes
	case maxResumes < 0:
		maxResumes = 0
	}

	return &Reader{
		ctx:        ctx,
		doer:       doer,
		url:        rawURL,
		logger:     logger,
		maxResumes: maxResumes,
		cursor: Cursor{
			Start: opts.Offset,
			Count: opts.Count,
			ETag:  opts.ETag,
		},
	}
}

// Open issues the first request if it has not been made yet.
func (r *Reader) Open() error {
	for {
		switch r.state {
		case stateIdle, stateRequesting:
			if err := r.request(); err != nil {
				return r.fail(err)
			}
		case stateFatal:
			return r.err
		default:
			return nil
		}
	}
}

// Header returns the headers of the first successful response, or nil.
func (r *Reader) Header() http.Header {
	return r.header
}

// Cursor returns a snapshot of the transfer position.
func (r *Reader) Cursor() Cursor {
	return r.cursor
}

// Resumes returns how many times the transfer was resumed.
func (r *Reader) Resumes() int {
	return r.resumes
}

// Read ...
func (r *Reader) Read(p []byte) (int, error) {
	for {
		switch r.state {
		case stateDone:
			return 0, io.EOF
		case stateFatal:
			return 0, r.err
		case stateIdle, stateRequesting:
			if err := r.request(); err != nil {
				return 0, r.fail(err)
			}
		case stateStreaming:
			if len(p) == 0 {
				return 0, nil
			}
			n, err := r.stream(p)
			if n > 0 || err != nil {
				return n, err
			}
		}
	}
}

// Close releases the current response body. Reads after Close fail.
func (r *Reader) Close() error {
	err := r.closeBody()
	if r.state != stateFatal && r.state != stateDone {
		r.state = stateFatal
		r.err = errClosed
	}
	return err
}

func (r *Reader) request() error {
	if r.cursor.Complete() {
		r.state = stateDone
		return nil
	}
	r.state = stateRequesting

	req, err := pipeline.NewRequest(r.ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	rangeHeader := r.cursor.RangeHeader()
	req.Header.Set("Range", rangeHeader)
	if r.cursor.ETag != "" {
		req.Header.Set("If-Match", r.cursor.ETag)
	}

	r.logger.Debugf("Requesting %s (%s)", rangeHeader, r.cursor.ETag)
	resp, err := r.doer.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if r.cursor.ETag != "" && pipeline.IsPreconditionFailed(err) {
			return &StaleResourceError{Offset: r.cursor.Offset(), Expected: r.cursor.ETag, Err: err}
		}
		if r.resumes > 0 {
			return &ResumeError{Offset: r.cursor.Offset(), Resumes: r.resumes, Err: err}
		}
		return fmt.Errorf("request %s: %w", rangeHeader, err)
	}

	etag := resp.Header.Get("ETag")
	if r.cursor.ETag == "" {
		r.cursor.ETag = etag
	} else if etag != "" && normalizeETag(etag) != normalizeETag(r.cursor.ETag) {
		_ = resp.Body.Close()
		return &StaleResourceError{Offset: r.cursor.Offset(), Expected: r.cursor.ETag, Actual: etag}
	}

	if r.cursor.Offset() > 0 && resp.StatusCode != http.StatusPartialContent {
		_ = resp.Body.Close()
		return ErrRangeIgnored
	}

	if r.header == nil {
		r.header = resp.Header
	}
	r.body = resp.Body
	r.expected = resp.ContentLength
	r.received = 0
	r.state = stateStreaming
	return nil
}

func (r *Reader) stream(p []byte) (int, error) {
	if remaining := r.cursor.Remaining(); remaining >= 0 && int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := r.body.Read(p)
	r.cursor.Delivered += int64(n)
	r.received += int64(n)

	if err == nil {
		if r.cursor.Complete() {
			r.finish()
		}
		return n, nil
	}

	if errors.Is(err, io.EOF) {
		if r.expected < 0 || r.received >= r.expected || r.cursor.Complete() {
			r.finish()
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		}
		err = io.ErrUnexpectedEOF
	}

	if resumeErr := r.interrupted(err); resumeErr != nil {
		failErr := r.fail(resumeErr)
		if n > 0 {
			return n, nil
		}
		return 0, failErr
	}
	return n, nil
}

func (r *Reader) interrupted(cause error) error {
	_ = r.closeBody()

	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if r.resumes >= r.maxResumes {
		return &ResumeError{Offset: r.cursor.Offset(), Resumes: r.resumes, Err: cause}
	}

	r.resumes++
	r.logger.Warnf("Download interrupted after %s (%s), resuming from byte %d (%d/%d)",
		units.BytesSize(float64(r.cursor.Delivered)), cause, r.cursor.Offset(), r.resumes, r.maxResumes)
	r.state = stateRequesting
	return nil
}

func (r *Reader) finish() {
	_ = r.closeBody()
	r.state = stateDone
	r.logger.Debugf("Downloaded %s with %d resumes", units.BytesSize(float64(r.cursor.Delivered)), r.resumes)
}

func (r *Reader) fail(err error) error {
	_ = r.closeBody()
	r.state = stateFatal
	r.err = err
	return err
}

func (r *Reader) closeBody() error {
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}
