package blob

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-blobstore/auth"
	"github.com/bitrise-io/go-blobstore/config"
	"github.com/bitrise-io/go-blobstore/pipeline"
	"github.com/bitrise-io/go-utils/v2/log"
)

const metadataPrefix = "x-ms-meta-"

// Client operates on a single blob.
type Client struct {
	url      string
	pipeline *pipeline.Pipeline
	cfg      config.Config
	logger   log.Logger
}

// NewClient returns a client for the blob at rawURL.
func NewClient(rawURL string, cred auth.Credential, cfg config.Config, logger log.Logger, opts PipelineOptions) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse blob url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported blob url scheme: %q", u.Scheme)
	}
	if u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return nil, fmt.Errorf("blob url must name a container and a blob: %s", u.Redacted())
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Client{
		url:      rawURL,
		pipeline: NewPipeline(cred, cfg, logger, opts),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// URL ...
func (c *Client) URL() string {
	return c.url
}

// Pipeline returns the pipeline the client sends its requests through.
func (c *Client) Pipeline() *pipeline.Pipeline {
	return c.pipeline
}

// Properties are the system properties and user metadata of a blob.
type Properties struct {
	ContentLength   int64
	ContentType     string
	ContentEncoding string
	ContentMD5      []byte
	ETag            string
	LastModified    time.Time
	BlobType        string
	Metadata        map[string]string
}

// GetProperties reads the properties of the blob without its content.
func (c *Client) GetProperties(ctx context.Context) (Properties, error) {
	req, err := pipeline.NewRequest(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return Properties{}, err
	}

	resp, err := c.send(req)
	if err != nil {
		return Properties{}, fmt.Errorf("get blob properties: %w", err)
	}
	_ = resp.Body.Close()

	return parseProperties(resp.Header)
}

// send runs req through the pipeline and waits at most the configured
// operation timeout for its outcome. Error responses are closed.
func (c *Client) send(req *pipeline.Request) (*pipeline.Response, error) {
	resp, err := c.do(req)
	if err != nil && resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return resp, err
}

// do waits for req the way send does, but leaves the response body open.
// On timeout the call is cancelled and drained before do returns, so
// neither the connection nor the request body outlives it.
func (c *Client) do(req *pipeline.Request) (*pipeline.Response, error) {
	if c.cfg.OperationTimeout <= 0 {
		return c.pipeline.Do(req)
	}

	ctx, cancel := context.WithCancel(req.Context())
	req.Request = req.Request.WithContext(ctx)

	future := c.pipeline.Send(req)
	resp, err := future.Wait(c.cfg.OperationTimeout)
	var timeoutErr *pipeline.TimeoutError
	if errors.As(err, &timeoutErr) {
		cancel()
		if late, _ := future.Result(); late != nil && late.Body != nil {
			_ = late.Body.Close()
		}
		return nil, err
	}

	if resp == nil || resp.Body == nil {
		cancel()
		return resp, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, err
}

type doerFunc func(req *pipeline.Request) (*pipeline.Response, error)

func (f doerFunc) Do(req *pipeline.Request) (*pipeline.Response, error) {
	return f(req)
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

func parseProperties(h http.Header) (Properties, error) {
	props := Properties{
		ContentType:     h.Get("Content-Type"),
		ContentEncoding: h.Get("Content-Encoding"),
		ETag:            h.Get("ETag"),
		BlobType:        h.Get("x-ms-blob-type"),
		Metadata:        map[string]string{},
	}

	if size, ok, err := totalSize(h); err != nil {
		return Properties{}, err
	} else if ok {
		props.ContentLength = size
	} else if value := h.Get("Content-Length"); value != "" {
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Properties{}, fmt.Errorf("invalid Content-Length %q: %w", value, err)
		}
		props.ContentLength = size
	}

	if value := h.Get("Content-MD5"); value != "" {
		md5, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return Properties{}, fmt.Errorf("invalid Content-MD5 %q: %w", value, err)
		}
		props.ContentMD5 = md5
	}

	if value := h.Get("Last-Modified"); value != "" {
		lastModified, err := http.ParseTime(value)
		if err != nil {
			return Properties{}, fmt.Errorf("invalid Last-Modified %q: %w", value, err)
		}
		props.LastModified = lastModified
	}

	for key, values := range h {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, metadataPrefix) && len(values) > 0 {
			props.Metadata[strings.TrimPrefix(lower, metadataPrefix)] = values[0]
		}
	}

	return props, nil
}

// totalSize reads the full resource size from a Content-Range header.
func totalSize(h http.Header) (int64, bool, error) {
	value := h.Get("Content-Range")
	if value == "" {
		return 0, false, nil
	}
	_, total, found := strings.Cut(value, "/")
	if !found || total == "*" {
		return 0, false, nil
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid Content-Range %q: %w", value, err)
	}
	return size, true, nil
}
