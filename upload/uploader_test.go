package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-blobstore/internal/fakes"
	"github.com/bitrise-io/go-blobstore/pipeline"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blobURL = "https://myaccount.blob.example.net/container/archive.tar?sv=2021-08-06&sig=abc"

func createdTransport(failBlock string) *fakes.Transport {
	return fakes.NewTransport(func(n int, req *http.Request) (*http.Response, error) {
		if failBlock != "" && req.URL.Query().Get("blockid") == failBlock {
			return fakes.NewResponse(http.StatusBadRequest, nil, []byte("<Error><Code>InvalidBlockId</Code></Error>")), nil
		}
		header := http.Header{}
		header.Set("ETag", `"0x8DB2"`)
		return fakes.NewResponse(http.StatusCreated, header, nil), nil
	})
}

func TestUploader_Upload(t *testing.T) {
	// Given
	data := fakes.Pattern(10_000)
	transport := createdTransport("")
	uploader := New(pipeline.New(transport, pipeline.ResponsePolicy()), Config{Concurrency: 3}, log.NewLogger())
	header := http.Header{}
	header.Set("x-ms-blob-content-type", "application/x-tar")

	// When
	resp, err := uploader.Upload(context.Background(), blobURL, SplitBytes(data, 4096), header)

	// Then
	require.NoError(t, err)
	assert.Equal(t, `"0x8DB2"`, resp.Header.Get("ETag"))

	requests := transport.Requests()
	require.Len(t, requests, 4)

	staged := map[string][]byte{}
	for _, req := range requests[:3] {
		u, err := url.Parse(req.URL)
		require.NoError(t, err)
		assert.Equal(t, "block", u.Query().Get("comp"))
		assert.Equal(t, "abc", u.Query().Get("sig"))
		staged[u.Query().Get("blockid")] = req.Body
	}
	assert.Equal(t, data[:4096], staged[BlockID(0)])
	assert.Equal(t, data[4096:8192], staged[BlockID(1)])
	assert.Equal(t, data[8192:], staged[BlockID(2)])

	commit := requests[3]
	u, err := url.Parse(commit.URL)
	require.NoError(t, err)
	assert.Equal(t, "blocklist", u.Query().Get("comp"))
	assert.Equal(t, "application/x-tar", commit.Header.Get("x-ms-blob-content-type"))

	var list blockList
	require.NoError(t, xml.Unmarshal(commit.Body, &list))
	assert.Equal(t, []string{BlockID(0), BlockID(1), BlockID(2)}, list.Latest)

	assert.Equal(t, int64(3), uploader.Stats().FinishedCount())
	assert.Equal(t, int64(len(data)), uploader.Stats().Bytes())
}

func TestUploader_FailedBlockIsNotCommitted(t *testing.T) {
	// Given
	transport := createdTransport(BlockID(1))
	uploader := New(pipeline.New(transport, pipeline.ResponsePolicy()), Config{Concurrency: 1}, log.NewLogger())

	// When
	_, err := uploader.Upload(context.Background(), blobURL, SplitBytes(fakes.Pattern(300), 100), nil)

	// Then
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, pipeline.StatusCode(err))
	for _, req := range transport.Requests() {
		assert.NotContains(t, req.URL, "comp=blocklist")
	}
}

func TestUploader_EmptyProvider(t *testing.T) {
	transport := createdTransport("")
	uploader := New(pipeline.New(transport, pipeline.ResponsePolicy()), DefaultConfig(), log.NewLogger())

	_, err := uploader.Upload(context.Background(), blobURL, NewByteSliceBlockProvider(nil), nil)

	require.NoError(t, err)
	require.Equal(t, 1, transport.Calls())
	assert.Contains(t, string(transport.Requests()[0].Body), "<BlockList></BlockList>")
}

func TestNew_Defaults(t *testing.T) {
	tests := []struct {
		name          string
		config        Config
		wantThreshold time.Duration
		wantAttempts  int
	}{
		{name: "zero config", config: Config{}, wantThreshold: 30 * time.Second, wantAttempts: 3},
		{name: "explicit values", config: Config{HungThreshold: time.Minute, MaxAttemptsPerBlock: 5}, wantThreshold: time.Minute, wantAttempts: 5},
		{name: "hung detection disabled", config: Config{HungThreshold: -1}, wantThreshold: -1, wantAttempts: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploader := New(nil, tt.config, nil)

			assert.Equal(t, tt.wantThreshold, uploader.config.HungThreshold)
			assert.Equal(t, tt.wantAttempts, uploader.config.MaxAttemptsPerBlock)
			assert.GreaterOrEqual(t, uploader.config.Concurrency, 2)
		})
	}
}

func TestUploader_HungBlockIsRestaged(t *testing.T) {
	// Given
	hungID := BlockID(1)
	var attempts int32
	transport := fakes.NewTransport(func(n int, req *http.Request) (*http.Response, error) {
		if req.URL.Query().Get("blockid") == hungID && atomic.AddInt32(&attempts, 1) == 1 {
			<-req.Context().Done()
			return nil, req.Context().Err()
		}
		return fakes.NewResponse(http.StatusCreated, nil, nil), nil
	})
	uploader := New(pipeline.New(transport, pipeline.ResponsePolicy()), Config{
		Concurrency:         2,
		MaxAttemptsPerBlock: 3,
		HungThreshold:       50 * time.Millisecond,
	}, log.NewLogger())
	uploader.hungBackoff = time.Millisecond

	// When
	_, err := uploader.Upload(context.Background(), blobURL, SplitBytes(fakes.Pattern(300), 150), nil)

	// Then
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	requests := transport.Requests()
	require.Len(t, requests, 4)
	staged := map[string]int{}
	for _, req := range requests[:3] {
		u, err := url.Parse(req.URL)
		require.NoError(t, err)
		staged[u.Query().Get("blockid")]++
	}
	assert.Equal(t, map[string]int{BlockID(0): 1, hungID: 2}, staged)

	var list blockList
	require.NoError(t, xml.Unmarshal(requests[3].Body, &list))
	assert.Equal(t, []string{BlockID(0), hungID}, list.Latest)
}

func TestUploader_HungDetectionDisabled(t *testing.T) {
	// Given
	transport := fakes.NewTransport(func(n int, req *http.Request) (*http.Response, error) {
		if req.URL.Query().Get("blockid") == BlockID(1) {
			time.Sleep(100 * time.Millisecond)
		}
		return fakes.NewResponse(http.StatusCreated, nil, nil), nil
	})
	uploader := New(pipeline.New(transport, pipeline.ResponsePolicy()), Config{
		Concurrency:   1,
		HungThreshold: -1,
	}, log.NewLogger())

	// When
	_, err := uploader.Upload(context.Background(), blobURL, SplitBytes(fakes.Pattern(300), 150), nil)

	// Then
	require.NoError(t, err)
	assert.Equal(t, 3, transport.Calls())
}

func TestBlockID_FixedLength(t *testing.T) {
	ids := []string{BlockID(0), BlockID(9), BlockID(12345678)}
	for _, id := range ids {
		decoded, err := base64.StdEncoding.DecodeString(id)
		require.NoError(t, err)
		assert.Len(t, decoded, len("block-00000000"))
	}
	assert.NotEqual(t, ids[0], ids[1])
}

func TestFileBlockProvider(t *testing.T) {
	// Given
	data := fakes.Pattern(2500)
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0600))

	// When
	provider, err := NewFileBlockProvider(path, 1000)
	require.NoError(t, err)
	defer func() { require.NoError(t, provider.Close()) }()

	// Then
	require.Equal(t, 3, provider.NumBlocks())
	assert.Equal(t, int64(1000), provider.BlockSize(0))
	assert.Equal(t, int64(500), provider.BlockSize(2))

	var got bytes.Buffer
	for i := 0; i < provider.NumBlocks(); i++ {
		block, err := provider.GetBlock(i)
		require.NoError(t, err)
		_, err = got.ReadFrom(block)
		require.NoError(t, err)
	}
	assert.Equal(t, data, got.Bytes())

	_, err = provider.GetBlock(3)
	assert.Error(t, err)
}

func TestOptimalBlockSize(t *testing.T) {
	tests := []struct {
		name        string
		totalSize   int64
		concurrency int
		want        int64
	}{
		{name: "small files use the minimum", totalSize: 1024, concurrency: 4, want: MinBlockSize},
		{name: "split across workers", totalSize: 400 * 1024 * 1024, concurrency: 16, want: 25 * 1024 * 1024},
		{name: "large blocks are halved", totalSize: 800 * 1024 * 1024, concurrency: 4, want: 100 * 1024 * 1024},
		{name: "capped at the maximum", totalSize: 10 * 1024 * 1024 * 1024, concurrency: 2, want: MaxBlockSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OptimalBlockSize(tt.totalSize, tt.concurrency))
		})
	}
}
