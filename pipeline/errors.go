package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/smithy-go"
)

// ResponseError is returned for every service response outside the 2xx
// range. It implements smithy.APIError, so callers can branch on the
// service error code with errors.As.
type ResponseError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	Response   *Response
}

var _ smithy.APIError = (*ResponseError)(nil)

func (e *ResponseError) Error() string {
	msg := fmt.Sprintf("HTTP %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += fmt.Sprintf(" (request id: %s)", e.RequestID)
	}
	return msg
}

// HTTPStatusCode ...
func (e *ResponseError) HTTPStatusCode() int {
	return e.StatusCode
}

// ErrorCode ...
func (e *ResponseError) ErrorCode() string {
	return e.Code
}

// ErrorMessage ...
func (e *ResponseError) ErrorMessage() string {
	return e.Message
}

// ErrorFault ...
func (e *ResponseError) ErrorFault() smithy.ErrorFault {
	switch {
	case e.StatusCode >= 500:
		return smithy.FaultServer
	case e.StatusCode >= 400:
		return smithy.FaultClient
	default:
		return smithy.FaultUnknown
	}
}

// TransportError wraps a failure of the transport to produce any response.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RetriesExhaustedError is returned when the retry policy ran out of attempts.
type RetriesExhaustedError struct {
	Attempts   int
	LastStatus int
	Err        error
}

func (e *RetriesExhaustedError) Error() string {
	if e.LastStatus != 0 {
		return fmt.Sprintf("giving up after %d attempts (last status %d): %s", e.Attempts, e.LastStatus, e.Err)
	}
	return fmt.Sprintf("giving up after %d attempts: %s", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned by Future.Wait when the caller's deadline elapsed first.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation did not complete within %s", e.After)
}

// Timeout reports true, so the error satisfies net.Error style checks.
func (e *TimeoutError) Timeout() bool {
	return true
}

// StatusCode returns the service status code carried by err, or 0.
func StatusCode(err error) int {
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// IsAuthenticationRejected reports whether the service refused the request's credentials.
func IsAuthenticationRejected(err error) bool {
	return StatusCode(err) == http.StatusForbidden
}

// IsPreconditionFailed reports whether a conditional header of the request did not hold.
func IsPreconditionFailed(err error) bool {
	return StatusCode(err) == http.StatusPreconditionFailed
}
