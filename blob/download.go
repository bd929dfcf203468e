package blob

import (
	"context"
	"io"
	"net/http"

	"github.com/bitrise-io/go-blobstore/download"
)

// DownloadOptions selects the part of the blob to read.
type DownloadOptions struct {
	Offset int64

	// Count is the number of bytes to read; 0 reads to the end.
	Count int64

	// ETag, when set, fails the download unless the blob still has this version.
	ETag string

	// Decompress decodes zstd encoded content on the fly. Ranged downloads
	// are returned as stored.
	Decompress bool
}

// DownloadResponse is an open download.
type DownloadResponse struct {
	Properties Properties

	// Body streams the content, decoded when requested and possible.
	Body io.ReadCloser

	// Decoded reports whether Body is decompressed.
	Decoded bool

	reader *download.Reader
}

// Cursor returns the position of the underlying transfer, counted in
// bytes as stored by the service.
func (r *DownloadResponse) Cursor() download.Cursor {
	return r.reader.Cursor()
}

// Resumes returns how many times the transfer recovered from a broken connection.
func (r *DownloadResponse) Resumes() int {
	return r.reader.Resumes()
}

// Close ...
func (r *DownloadResponse) Close() error {
	return r.Body.Close()
}

// Download opens a resumable stream over the blob content. The first
// request is made before Download returns, so the properties of the blob
// are available right away. Every request waits at most the configured
// operation timeout for its response.
func (c *Client) Download(ctx context.Context, opts DownloadOptions) (*DownloadResponse, error) {
	maxResumes := c.cfg.MaxResumes
	if maxResumes == 0 {
		maxResumes = -1
	}

	reader := download.NewReader(ctx, doerFunc(c.do), c.url, download.Options{
		Offset:     opts.Offset,
		Count:      opts.Count,
		ETag:       opts.ETag,
		MaxResumes: maxResumes,
		Logger:     c.logger,
	})
	if err := reader.Open(); err != nil {
		return nil, err
	}

	props, err := parseProperties(reader.Header())
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	props.ETag = reader.Cursor().ETag

	resp := &DownloadResponse{Properties: props, Body: reader, reader: reader}
	if opts.Decompress && opts.Offset == 0 && opts.Count == 0 && isZstd(props.ContentEncoding) {
		decoded, err := newDecodingReader(reader)
		if err != nil {
			return nil, err
		}
		resp.Body = decoded
		resp.Decoded = true
	}
	return resp, nil
}

// DownloadFile downloads the whole blob to dest with parallel ranged
// requests, each signed and retried by the client pipeline. All chunks
// are read from one version of the blob.
func (c *Client) DownloadFile(ctx context.Context, dest string) error {
	httpClient := &http.Client{Transport: c.pipeline.RoundTripper()}
	return download.ToFile(ctx, httpClient, c.url, dest, c.cfg.FileOptions(c.logger))
}
