package upload

import (
	"runtime"
	"time"
)

// Config holds configuration for the block uploader.
type Config struct {
	// Concurrency is the maximum number of parallel block uploads.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxAttemptsPerBlock is the number of times a block is staged before
	// the upload fails. Transient service errors are already retried by
	// the pipeline; these attempts cover hung uploads.
	// Default: 3
	MaxAttemptsPerBlock int

	// HungThreshold is the duration after which a block upload is considered hung
	// if it exceeds the average upload time by this amount. A negative value
	// disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:         DefaultConcurrency(),
		MaxAttemptsPerBlock: 3,
		HungThreshold:       30 * time.Second,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// OptimalBlockSize calculates the block size for totalSize bytes uploaded
// with the given concurrency.
func OptimalBlockSize(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	return int64(optimalBlockSize(uint64(totalSize), MinBlockSize, MaxBlockSize, uint64(concurrency)))
}

// Block size bounds.
const (
	MinBlockSize = 8 * 1024 * 1024
	MaxBlockSize = 100 * 1024 * 1024
)

func optimalBlockSize(totalSize, min, max, concurrency uint64) uint64 {
	bs := totalSize / concurrency

	// Large blocks are halved to keep every worker busy.
	if bs >= 100*1024*1024 {
		bs = bs / 2
	}

	if bs < min {
		bs = min
	}

	if max > 0 && bs > max {
		bs = max
	}

	return bs
}
