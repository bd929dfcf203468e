package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// BackoffKind selects how the delay between attempts grows.
type BackoffKind string

// Supported backoff kinds.
const (
	ExponentialBackoff BackoffKind = "exponential"
	LinearBackoff      BackoffKind = "linear"
)

// RetryOptions configures the retry policy.
type RetryOptions struct {
	// MaxTries is the total number of attempts, including the first one.
	// Default: 4
	MaxTries int

	// Backoff selects the delay growth between attempts.
	// Default: exponential
	Backoff BackoffKind

	// RetryDelay is the base delay before the first retry.
	// Default: 4s
	RetryDelay time.Duration

	// MaxRetryDelay caps the delay between attempts.
	// Default: 120s
	MaxRetryDelay time.Duration

	// TryTimeout bounds a single attempt, including reading its response
	// body. Zero means attempts are only bounded by the request context.
	TryTimeout time.Duration

	// RetryableStatusCodes are the service statuses worth another attempt.
	// Default: 408, 429, 500, 502, 503, 504
	RetryableStatusCodes []int
}

// DefaultRetryOptions returns options with sensible defaults.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxTries:      4,
		Backoff:       ExponentialBackoff,
		RetryDelay:    4 * time.Second,
		MaxRetryDelay: 120 * time.Second,
		RetryableStatusCodes: []int{
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	defaults := DefaultRetryOptions()
	if o.MaxTries <= 0 {
		o.MaxTries = defaults.MaxTries
	}
	if o.Backoff == "" {
		o.Backoff = defaults.Backoff
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaults.RetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if o.MaxRetryDelay < o.RetryDelay {
		o.MaxRetryDelay = o.RetryDelay
	}
	if o.RetryableStatusCodes == nil {
		o.RetryableStatusCodes = defaults.RetryableStatusCodes
	}
	return o
}

type retryPolicy struct {
	opts        RetryOptions
	backoff     retryablehttp.Backoff
	statusCodes retry.IsErrorRetryable
	connErrors  retry.IsErrorRetryable
	logger      log.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy returns the policy re-sending failed attempts. Zero
// valued options fall back to DefaultRetryOptions.
func NewRetryPolicy(opts RetryOptions, logger log.Logger) Policy {
	opts = opts.withDefaults()

	codes := make(map[int]struct{}, len(opts.RetryableStatusCodes))
	for _, code := range opts.RetryableStatusCodes {
		codes[code] = struct{}{}
	}

	backoff := retryablehttp.Backoff(retryablehttp.DefaultBackoff)
	if opts.Backoff == LinearBackoff {
		backoff = retryablehttp.LinearJitterBackoff
	}

	return &retryPolicy{
		opts:        opts,
		backoff:     backoff,
		statusCodes: retry.RetryableHTTPStatusCode{Codes: codes},
		connErrors:  retry.RetryableConnectionError{},
		logger:      logger,
		sleep:       sleepContext,
	}
}

// retryState belongs to a single Do invocation.
type retryState struct {
	template   *Request
	attempts   int
	delay      time.Duration
	lastStatus int
}

func (p *retryPolicy) Do(req *Request, next Next) (*Response, error) {
	ctx := req.Context()
	state := retryState{template: req}

	maxTries := p.opts.MaxTries
	if !req.IsReplayable() {
		p.logger.Debugf("Request body of %s %s cannot be rewound, retries disabled", req.Method, redactedURL(req.URL))
		maxTries = 1
	}

	for {
		state.attempts++

		resp, err := p.try(state.template, next)
		if err == nil {
			if state.attempts > 1 {
				p.logger.Debugf("%s %s succeeded on attempt %d", req.Method, redactedURL(req.URL), state.attempts)
			}
			return resp, nil
		}
		state.lastStatus = StatusCode(err)

		if !p.isRetryable(ctx, err) {
			return resp, err
		}

		if state.attempts >= maxTries {
			return nil, &RetriesExhaustedError{Attempts: state.attempts, LastStatus: state.lastStatus, Err: err}
		}

		delay := p.backoff(p.opts.RetryDelay, p.opts.MaxRetryDelay, state.attempts-1, rawResponse(resp))
		p.logger.Warnf("Attempt %d/%d of %s %s failed: %s, retrying in %s",
			state.attempts, maxTries, req.Method, redactedURL(req.URL), err, delay)

		if err := p.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry of %s %s cancelled after %d attempts: %w", req.Method, redactedURL(req.URL), state.attempts, err)
		}
		state.delay += delay
	}
}

func (p *retryPolicy) try(template *Request, next Next) (*Response, error) {
	ctx := template.Context()
	cancel := context.CancelFunc(func() {})
	if p.opts.TryTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.opts.TryTimeout)
	}

	attempt, err := template.Clone(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := next(attempt)
	if err != nil || resp == nil || resp.Body == nil {
		cancel()
		return resp, err
	}

	// The try deadline also covers reading the body.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (p *retryPolicy) isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return p.statusCodes.IsErrorRetryable(respErr) == aws.TrueTernary
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return p.connErrors.IsErrorRetryable(transportErr.Err) != aws.FalseTernary
	}

	return false
}

func rawResponse(resp *Response) *http.Response {
	if resp == nil {
		return nil
	}
	return resp.Response
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
