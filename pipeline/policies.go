package pipeline

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

// Header names stamped by the standard policies.
const (
	HeaderDate            = "x-ms-date"
	HeaderVersion         = "x-ms-version"
	HeaderClientRequestID = "x-ms-client-request-id"
	HeaderRequestID       = "x-ms-request-id"
	HeaderErrorCode       = "x-ms-error-code"
)

// DefaultUserAgent identifies this client library.
const DefaultUserAgent = "go-blobstore/1.0"

const maxErrorBodyBytes = 64 * 1024

// TelemetryPolicy stamps the User-Agent header. appID, when set, is put in
// front of the library identifier.
func TelemetryPolicy(appID string) Policy {
	userAgent := DefaultUserAgent
	if appID = strings.TrimSpace(appID); appID != "" {
		userAgent = appID + " " + userAgent
	}

	return PolicyFunc(func(req *Request, next Next) (*Response, error) {
		if existing := req.Header.Get("User-Agent"); existing != "" {
			req.Header.Set("User-Agent", userAgent+" "+existing)
		} else {
			req.Header.Set("User-Agent", userAgent)
		}
		return next(req)
	})
}

// RequestIDPolicy gives every logical operation a client request id,
// unless the caller already set one.
func RequestIDPolicy() Policy {
	return PolicyFunc(func(req *Request, next Next) (*Response, error) {
		if req.Header.Get(HeaderClientRequestID) == "" {
			id, err := uuid.NewV4()
			if err != nil {
				return nil, fmt.Errorf("generate client request id: %w", err)
			}
			req.Header.Set(HeaderClientRequestID, id.String())
		}
		return next(req)
	})
}

// DatePolicy stamps x-ms-date with the current time and x-ms-version with
// the service version the client speaks. Values set by the caller are kept.
func DatePolicy(serviceVersion string) Policy {
	return datePolicy{version: serviceVersion, now: time.Now}
}

type datePolicy struct {
	version string
	now     func() time.Time
}

func (p datePolicy) Do(req *Request, next Next) (*Response, error) {
	if req.Header.Get(HeaderDate) == "" {
		req.Header.Set(HeaderDate, FormatDate(p.now()))
	}
	if p.version != "" && req.Header.Get(HeaderVersion) == "" {
		req.Header.Set(HeaderVersion, p.version)
	}
	return next(req)
}

// FormatDate renders t in the RFC1123 GMT form the signing protocol requires.
func FormatDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// ResponsePolicy sits nearest the transport. It links each response to
// the request that produced it and turns non-2xx statuses into
// *ResponseError values, returned alongside the response.
func ResponsePolicy() Policy {
	return PolicyFunc(func(req *Request, next Next) (*Response, error) {
		resp, err := next(req)
		if err != nil {
			return nil, err
		}
		resp.Request = req

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		return resp, newResponseError(resp)
	})
}

type serviceError struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

func newResponseError(resp *Response) *ResponseError {
	respErr := &ResponseError{
		StatusCode: resp.StatusCode,
		Code:       resp.Header.Get(HeaderErrorCode),
		RequestID:  resp.Header.Get(HeaderRequestID),
		Response:   resp,
	}

	if resp.Body == nil {
		return respErr
	}

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if readErr != nil || len(data) == 0 {
		return respErr
	}

	var body serviceError
	if err := xml.Unmarshal(data, &body); err == nil {
		if respErr.Code == "" {
			respErr.Code = body.Code
		}
		respErr.Message = strings.TrimSpace(body.Message)
	}

	return respErr
}
