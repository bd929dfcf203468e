package blob

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/bitrise-io/go-blobstore/upload"
	"github.com/klauspost/compress/zstd"
)

// EncodingZstd is the content encoding of zstd compressed blobs.
const EncodingZstd = "zstd"

func newEncoder(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return encoder, nil
}

func isZstd(contentEncoding string) bool {
	return strings.EqualFold(strings.TrimSpace(contentEncoding), EncodingZstd)
}

// decodingReader decompresses a zstd stream and closes both the decoder
// and the underlying body.
type decodingReader struct {
	decoder *zstd.Decoder
	body    io.Closer
}

func newDecodingReader(body io.ReadCloser) (*decodingReader, error) {
	decoder, err := zstd.NewReader(body)
	if err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	return &decodingReader{decoder: decoder, body: body}, nil
}

func (r *decodingReader) Read(p []byte) (int, error) {
	return r.decoder.Read(p)
}

func (r *decodingReader) Close() error {
	r.decoder.Close()
	return r.body.Close()
}

// compressedBlocks compresses every block into its own zstd frame. The
// committed blob is a sequence of frames, which decodes as one stream.
type compressedBlocks struct {
	upload.BlockProvider
	encoder *zstd.Encoder
}

func (p compressedBlocks) GetBlock(index int) (io.ReadSeeker, error) {
	block, err := p.BlockProvider.GetBlock(index)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(block)
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", index+1, err)
	}
	return bytes.NewReader(p.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))), nil
}
