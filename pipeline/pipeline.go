// Package pipeline implements the ordered request/response chain every
// storage call passes through.
//
// A Pipeline is a fixed list of Policies in front of a single Transport.
// Each Policy receives the request and a Next function invoking the rest
// of the chain, so it may rewrite the request, inspect or replace the
// response, refuse to call onward, or call onward several times (retry).
//
// The standard order, nearest the caller first:
//
//	TelemetryPolicy -> RequestIDPolicy -> DatePolicy -> authentication
//	-> RetryPolicy -> custom policies -> ResponsePolicy -> Transport
//
// The chain is composed once in New and never changes afterwards, so a
// Pipeline is safe for concurrent use.
package pipeline

import (
	"errors"
	"net/http"
)

// Next invokes the remainder of the pipeline.
type Next func(req *Request) (*Response, error)

// Policy is one unit of pipeline behavior.
type Policy interface {
	Do(req *Request, next Next) (*Response, error)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(req *Request, next Next) (*Response, error)

// Do ...
func (f PolicyFunc) Do(req *Request, next Next) (*Response, error) {
	return f(req, next)
}

// Pipeline is an immutable, ordered chain of policies ending in a Transport.
type Pipeline struct {
	policies  []Policy
	transport Transport
	chain     Next
}

// New composes policies in the given order in front of transport. Nil
// policies are skipped, which lets callers pass an optional policy (such
// as the authentication policy of an anonymous credential) inline. A nil
// transport falls back to DefaultTransport.
func New(transport Transport, policies ...Policy) *Pipeline {
	if transport == nil {
		transport = DefaultTransport()
	}

	frozen := make([]Policy, 0, len(policies))
	for _, policy := range policies {
		if policy != nil {
			frozen = append(frozen, policy)
		}
	}

	p := &Pipeline{
		policies:  frozen,
		transport: transport,
	}

	chain := p.send
	for i := len(frozen) - 1; i >= 0; i-- {
		policy, next := frozen[i], chain
		chain = func(req *Request) (*Response, error) {
			return policy.Do(req, next)
		}
	}
	p.chain = chain

	return p
}

// Len returns the number of policies in the pipeline.
func (p *Pipeline) Len() int {
	return len(p.policies)
}

// Do runs req through the pipeline and blocks until a response or error is available.
func (p *Pipeline) Do(req *Request) (*Response, error) {
	if req == nil || req.Request == nil {
		return nil, errors.New("pipeline: nil request")
	}
	return p.chain(req)
}

// Send runs req through the pipeline on its own goroutine and returns the deferred result.
func (p *Pipeline) Send(req *Request) *Future {
	f := newFuture()
	go func() {
		resp, err := p.Do(req)
		f.complete(resp, err)
	}()
	return f
}

// RoundTripper exposes the pipeline as an http.RoundTripper, so that code
// written against http.Client is signed, retried and post-processed like
// any other call. Service error statuses are returned as plain responses,
// as the RoundTripper contract requires.
func (p *Pipeline) RoundTripper() http.RoundTripper {
	return roundTripper{pipeline: p}
}

func (p *Pipeline) send(req *Request) (*Response, error) {
	resp, err := p.transport.Do(req.Request)
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: redactedURL(req.URL), Err: err}
	}
	return &Response{Response: resp}, nil
}

type roundTripper struct {
	pipeline *Pipeline
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := rt.pipeline.Do(&Request{Request: req.Clone(req.Context())})
	if err != nil {
		var respErr *ResponseError
		if errors.As(err, &respErr) && respErr.Response != nil {
			return respErr.Response.Response, nil
		}
		return nil, err
	}
	return resp.Response, nil
}
