package pipeline

import (
	"net/http"
	"net/url"

	"github.com/hashicorp/go-cleanhttp"
)

// Transport executes a fully prepared HTTP request. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(req *http.Request) (*http.Response, error)

// Do ...
func (f TransportFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// DefaultTransport returns a pooled client without a global timeout;
// per-try and per-operation deadlines are owned by the pipeline.
func DefaultTransport() Transport {
	client := cleanhttp.DefaultPooledClient()
	if transport, ok := client.Transport.(*http.Transport); ok {
		// Ranged reads and checksums need the bytes exactly as stored.
		transport.DisableCompression = true
	}
	return client
}

// redactedURL drops query parameters, which may carry SAS signatures, from log and error output.
func redactedURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	redacted := *u
	if redacted.RawQuery != "" {
		redacted.RawQuery = "REDACTED"
	}
	redacted.User = nil
	return redacted.String()
}
