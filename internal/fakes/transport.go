// Package fakes holds scripted transports and readers shared by the package tests.
package fakes

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
)

// CapturedRequest is a snapshot of a request as the transport saw it.
type CapturedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Handler produces the outcome of the n-th (0 based) transport call.
type Handler func(n int, req *http.Request) (*http.Response, error)

// Transport records every request and answers with Handler.
type Transport struct {
	Handler Handler

	mu       sync.Mutex
	requests []CapturedRequest
}

// NewTransport ...
func NewTransport(handler Handler) *Transport {
	return &Transport{Handler: handler}
}

// Do ...
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	captured := CapturedRequest{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
	}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		_ = req.Body.Close()
		captured.Body = body
	}

	t.mu.Lock()
	n := len(t.requests)
	t.requests = append(t.requests, captured)
	t.mu.Unlock()

	resp, err := t.Handler(n, req)
	if resp != nil && resp.Request == nil {
		resp.Request = req
	}
	return resp, err
}

// Requests returns the requests seen so far.
func (t *Transport) Requests() []CapturedRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	requests := make([]CapturedRequest, len(t.requests))
	copy(requests, t.requests)
	return requests
}

// Calls returns the number of transport invocations.
func (t *Transport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// NewResponse builds a response with the given status, headers and body.
func NewResponse(status int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// NewStreamResponse builds a response whose body is read from r and
// announces contentLength bytes.
func NewStreamResponse(status int, header http.Header, r io.Reader, contentLength int64) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:        header,
		Body:          io.NopCloser(r),
		ContentLength: contentLength,
	}
}
