package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/melbahja/got"
)

// FileOptions configures ToFile.
type FileOptions struct {
	// Retries is the number of additional attempts after a failed transfer.
	// Default: 3
	Retries uint

	// RetryWait is the pause between attempts.
	// Default: 5s
	RetryWait time.Duration

	// ETag pins the version to download. When empty, the version of the
	// first response is pinned.
	ETag string

	Logger log.Logger
}

// DefaultFileOptions ...
func DefaultFileOptions() FileOptions {
	return FileOptions{
		Retries:   3,
		RetryWait: 5 * time.Second,
	}
}

// ToFile downloads url into dest using parallel ranged requests sent by
// client. Every request after the first asserts the pinned version with
// If-Match; a change of version fails with *StaleResourceError and is
// not retried. Other failed transfers are started over from scratch, up
// to opts.Retries times; a cancelled ctx stops the attempts.
func ToFile(ctx context.Context, client *http.Client, url, dest string, opts FileOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	if client == nil {
		client = http.DefaultClient
	}

	guard := &versionGuard{next: client.Transport, etag: normalizeETag(opts.ETag)}
	if guard.next == nil {
		guard.next = http.DefaultTransport
	}
	pinned := *client
	pinned.Transport = guard

	downloader := got.New()

	err := retry.Times(opts.Retries).Wait(opts.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			logger.Warnf("Retrying download of %s (%d/%d)", dest, attempt, opts.Retries)
		}

		dl := got.NewDownload(ctx, url, dest)
		dl.Client = &pinned
		err := downloader.Do(dl)
		if stale := guard.staleError(); stale != nil {
			_ = os.Remove(dest)
			return stale, true
		}
		if err == nil {
			return nil, false
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr, true
		}
		logger.Debugf("Download attempt %d failed: %s", attempt+1, err)
		_ = os.Remove(dest)
		return err, false
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("download %s: %w", dest, err)
	}

	if info, statErr := os.Stat(dest); statErr == nil {
		logger.Debugf("Downloaded %s (%s)", dest, units.BytesSize(float64(info.Size())))
	}
	return nil
}

// versionGuard keeps the chunks of one file on a single version of the
// resource. The first successful response pins the ETag unless one was
// given.
type versionGuard struct {
	next http.RoundTripper

	mu    sync.Mutex
	etag  string
	stale *StaleResourceError
}

func (g *versionGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	g.mu.Lock()
	expected := g.etag
	stale := g.stale
	g.mu.Unlock()
	if stale != nil {
		return nil, stale
	}

	if expected != "" {
		req = req.Clone(req.Context())
		req.Header.Set("If-Match", expected)
	}

	resp, err := g.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusPreconditionFailed {
		_ = resp.Body.Close()
		return nil, g.markStale(&StaleResourceError{Offset: rangeStart(req), Expected: expected})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	actual := normalizeETag(resp.Header.Get("ETag"))
	if actual == "" {
		return resp, nil
	}

	g.mu.Lock()
	if g.etag == "" {
		g.etag = actual
	}
	pinnedETag := g.etag
	g.mu.Unlock()

	if actual != pinnedETag {
		_ = resp.Body.Close()
		return nil, g.markStale(&StaleResourceError{Offset: rangeStart(req), Expected: pinnedETag, Actual: actual})
	}
	return resp, nil
}

func (g *versionGuard) markStale(err *StaleResourceError) *StaleResourceError {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stale == nil {
		g.stale = err
	}
	return g.stale
}

func (g *versionGuard) staleError() *StaleResourceError {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stale
}

func rangeStart(req *http.Request) int64 {
	from, _, _ := strings.Cut(strings.TrimPrefix(req.Header.Get("Range"), "bytes="), "-")
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0
	}
	return start
}
