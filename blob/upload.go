package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bitrise-io/go-blobstore/pipeline"
	"github.com/bitrise-io/go-blobstore/upload"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
)

// MaxSinglePutSize is the largest file UploadFile sends in one request.
const MaxSinglePutSize = 256 * 1024 * 1024

// UploadOptions describes the blob being written.
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string

	// Compress stores the content zstd encoded and marks the blob with
	// Content-Encoding: zstd.
	Compress bool

	// CompressionLevel Default: zstd.SpeedDefault
	CompressionLevel zstd.EncoderLevel
}

// UploadFileOptions configures UploadFile.
type UploadFileOptions struct {
	UploadOptions

	// Blocks configures the parallel block upload of files above MaxSinglePutSize.
	Blocks upload.Config
}

// UploadResult ...
type UploadResult struct {
	ETag         string
	LastModified time.Time
	ContentMD5   []byte
}

// Upload writes body as the full content of the blob in a single request,
// replacing any existing content. body is rewound on every retry.
func (c *Client) Upload(ctx context.Context, body io.ReadSeeker, opts UploadOptions) (UploadResult, error) {
	if opts.Compress {
		data, err := io.ReadAll(body)
		if err != nil {
			return UploadResult{}, fmt.Errorf("read upload body: %w", err)
		}
		encoder, err := newEncoder(opts.CompressionLevel)
		if err != nil {
			return UploadResult{}, err
		}
		compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		_ = encoder.Close()

		c.logger.Debugf("Compressed upload from %s to %s",
			units.BytesSize(float64(len(data))), units.BytesSize(float64(len(compressed))))
		body = bytes.NewReader(compressed)
	}

	checksum, err := contentMD5(body)
	if err != nil {
		return UploadResult{}, err
	}

	req, err := pipeline.NewRequest(ctx, http.MethodPut, c.url, body)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(checksum))
	setContentHeaders(req.Header, opts)

	resp, err := c.send(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload blob: %w", err)
	}
	_ = resp.Body.Close()

	result := uploadResult(resp.Header)
	if result.ContentMD5 == nil {
		result.ContentMD5 = checksum
	}
	return result, nil
}

// UploadFile uploads the file at path. Files up to MaxSinglePutSize are
// sent in one request, larger ones as parallel staged blocks.
func (c *Client) UploadFile(ctx context.Context, path string, opts UploadFileOptions) (UploadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("open file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			c.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return UploadResult{}, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() <= MaxSinglePutSize {
		return c.Upload(ctx, file, opts.UploadOptions)
	}

	concurrency := opts.Blocks.Concurrency
	if concurrency < 1 {
		concurrency = upload.DefaultConcurrency()
	}
	provider, err := upload.NewFileBlockProvider(path, upload.OptimalBlockSize(info.Size(), concurrency))
	if err != nil {
		return UploadResult{}, err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			c.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	c.logger.Infof("Uploading %s in %d blocks", units.BytesSize(float64(info.Size())), provider.NumBlocks())
	return c.UploadBlocks(ctx, provider, opts)
}

// UploadBlocks stages the blocks of provider in parallel and commits them
// as the content of the blob.
func (c *Client) UploadBlocks(ctx context.Context, provider upload.BlockProvider, opts UploadFileOptions) (UploadResult, error) {
	if opts.Compress {
		encoder, err := newEncoder(opts.CompressionLevel)
		if err != nil {
			return UploadResult{}, err
		}
		defer func() { _ = encoder.Close() }()
		provider = compressedBlocks{BlockProvider: provider, encoder: encoder}
	}

	header := http.Header{}
	setContentHeaders(header, opts.UploadOptions)

	uploader := upload.New(c.pipeline, opts.Blocks, c.logger)
	resp, err := uploader.Upload(ctx, c.url, provider, header)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload blob blocks: %w", err)
	}
	c.logger.Donef("Uploaded %d blocks", provider.NumBlocks())
	return uploadResult(resp.Header), nil
}

func setContentHeaders(h http.Header, opts UploadOptions) {
	if opts.ContentType != "" {
		h.Set("x-ms-blob-content-type", opts.ContentType)
	}
	if opts.Compress {
		h.Set("x-ms-blob-content-encoding", EncodingZstd)
	}
	for key, value := range opts.Metadata {
		h.Set(metadataPrefix+strings.ToLower(key), value)
	}
}

func contentMD5(body io.ReadSeeker) ([]byte, error) {
	start, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("seek upload body: %w", err)
	}
	hash := md5.New()
	if _, err := io.Copy(hash, body); err != nil {
		return nil, fmt.Errorf("hash upload body: %w", err)
	}
	if _, err := body.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload body: %w", err)
	}
	return hash.Sum(nil), nil
}

func uploadResult(h http.Header) UploadResult {
	result := UploadResult{ETag: h.Get("ETag")}
	if value := h.Get("Last-Modified"); value != "" {
		if lastModified, err := http.ParseTime(value); err == nil {
			result.LastModified = lastModified
		}
	}
	if value := h.Get("Content-MD5"); value != "" {
		if checksum, err := base64.StdEncoding.DecodeString(value); err == nil {
			result.ContentMD5 = checksum
		}
	}
	return result
}
