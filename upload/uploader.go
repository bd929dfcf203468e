// Package upload stages a large blob as blocks in parallel and commits the
// block list as one blob. It supports hung request detection on top of the
// pipeline's retry policy.
package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bitrise-io/go-blobstore/pipeline"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Doer sends a request through a pipeline. *pipeline.Pipeline satisfies it.
type Doer interface {
	Do(req *pipeline.Request) (*pipeline.Response, error)
}

// Uploader handles parallel block uploads with hung detection.
type Uploader struct {
	doer   Doer
	config Config
	logger log.Logger
	stats  *Stats

	// hungBackoff is the pause before re-staging a hung block, multiplied by the attempt.
	hungBackoff time.Duration
}

// New creates a new Uploader sending its requests through doer.
func New(doer Doer, config Config, logger log.Logger) *Uploader {
	defaults := DefaultConfig()
	if config.Concurrency < 1 {
		config.Concurrency = defaults.Concurrency
	}
	if config.MaxAttemptsPerBlock < 1 {
		config.MaxAttemptsPerBlock = defaults.MaxAttemptsPerBlock
	}
	if config.HungThreshold == 0 {
		config.HungThreshold = defaults.HungThreshold
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Uploader{
		doer:        doer,
		config:      config,
		logger:      logger,
		stats:       NewStats(),
		hungBackoff: 2 * time.Second,
	}
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// BlockID returns the id of the block at index. Ids of one blob share the
// same length, as the service requires.
func BlockID(index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("block-%08d", index)))
}

// Upload stages every block of provider and commits them to blobURL.
// header is sent with the commit request (content type, metadata).
func (u *Uploader) Upload(ctx context.Context, blobURL string, provider BlockProvider, header http.Header) (*pipeline.Response, error) {
	ids, err := u.StageBlocks(ctx, blobURL, provider)
	if err != nil {
		return nil, err
	}
	return u.CommitBlockList(ctx, blobURL, ids, header)
}

type blockResult struct {
	index int
	err   error
}

// StageBlocks uploads all blocks of provider in parallel and returns
// their ids in blob order.
func (u *Uploader) StageBlocks(ctx context.Context, blobURL string, provider BlockProvider) ([]string, error) {
	numBlocks := provider.NumBlocks()
	ids := make([]string, numBlocks)
	if numBlocks == 0 {
		return ids, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultChan := make(chan blockResult, numBlocks)
	semaphore := make(chan struct{}, u.config.Concurrency)

	for i := 0; i < numBlocks; i++ {
		ids[i] = BlockID(i)
		go func(index int, id string) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			resultChan <- blockResult{
				index: index,
				err:   u.stageBlockWithRetry(ctx, blobURL, provider, id, index, numBlocks),
			}
		}(i, ids[i])
	}

	completed := 0
	for completed < numBlocks {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("upload cancelled while waiting for blocks: %w", ctx.Err())
		case result := <-resultChan:
			completed++
			if result.err != nil {
				return nil, fmt.Errorf("block %d failed: %w", result.index+1, result.err)
			}
		}
	}

	u.logger.Debugf("Staged %d blocks (%s), average %s per block",
		numBlocks, units.BytesSize(float64(u.stats.Bytes())), u.stats.Average().Round(time.Millisecond))
	return ids, nil
}

type blockList struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

// CommitBlockList turns the staged blocks ids, in order, into the content of the blob.
func (u *Uploader) CommitBlockList(ctx context.Context, blobURL string, ids []string, header http.Header) (*pipeline.Response, error) {
	body, err := xml.Marshal(blockList{Latest: ids})
	if err != nil {
		return nil, fmt.Errorf("encode block list: %w", err)
	}
	body = append([]byte(xml.Header), body...)

	commitURL, err := withQuery(blobURL, "comp", "blocklist")
	if err != nil {
		return nil, err
	}
	req, err := pipeline.NewRequest(ctx, http.MethodPut, commitURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		req.Header[key] = values
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := u.doer.Do(req)
	if err != nil {
		return resp, fmt.Errorf("commit block list: %w", err)
	}
	_ = resp.Body.Close()
	return resp, nil
}

func (u *Uploader) stageBlockWithRetry(ctx context.Context, blobURL string, provider BlockProvider, id string, index, total int) error {
	var stageErr error

	for attempt := 0; attempt < u.config.MaxAttemptsPerBlock; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("block %d upload cancelled: %w", index+1, err)
		}

		u.logger.Debugf("Uploading block %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			index+1, total, attempt+1, u.config.MaxAttemptsPerBlock,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Second))

		start := time.Now()
		blockCtx, cancelBlock := context.WithCancel(ctx)

		// The last attempt is never cut short.
		if attempt < u.config.MaxAttemptsPerBlock-1 && u.config.HungThreshold > 0 {
			go u.detectHungUpload(blockCtx, cancelBlock, start, index)
		}

		stageErr = u.stageBlock(blockCtx, blobURL, provider, id, index)
		hung := blockCtx.Err() != nil && ctx.Err() == nil
		cancelBlock()

		if stageErr == nil {
			took := time.Since(start)
			u.stats.Update(took, provider.BlockSize(index))
			u.logger.Debugf("Block %d uploaded in %v", index+1, took.Round(time.Millisecond))
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("block %d upload cancelled: %w", index+1, ctx.Err())
		}
		if !hung {
			return stageErr
		}

		backoff := time.Duration(attempt+1) * u.hungBackoff
		u.logger.Warnf("Block %d attempt %d cancelled (hung), retrying after %v", index+1, attempt+1, backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("block %d upload cancelled: %w", index+1, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("upload block %d: %w", index+1, stageErr)
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	interval := time.Second
	if half := u.config.HungThreshold / 2; half > 0 && half < interval {
		interval = half
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung block upload (block %d); canceling request after %s (avg: %s)",
						index+1, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func (u *Uploader) stageBlock(ctx context.Context, blobURL string, provider BlockProvider, id string, index int) error {
	block, err := provider.GetBlock(index)
	if err != nil {
		return fmt.Errorf("get block %d: %w", index+1, err)
	}

	blockURL, err := withQuery(blobURL, "comp", "block", "blockid", id)
	if err != nil {
		return err
	}
	req, err := pipeline.NewRequest(ctx, http.MethodPut, blockURL, block)
	if err != nil {
		return err
	}

	resp, err := u.doer.Do(req)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("stage block %d: %w", index+1, err)
	}
	return nil
}

func withQuery(rawURL string, pairs ...string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for i := 0; i+1 < len(pairs); i += 2 {
		q.Set(pairs[i], pairs[i+1])
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
