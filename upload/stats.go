package upload

import (
	"sync"
	"time"
)

// Stats tracks upload durations for hung detection and reporting.
type Stats struct {
	sum            time.Duration
	finishedBlocks int64
	bytes          int64
	mu             sync.Mutex
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful block upload.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedBlocks++
	s.bytes += size
}

// Average returns the average upload duration for completed blocks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedBlocks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedBlocks)
}

// FinishedCount returns the number of completed block uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedBlocks
}

// Bytes returns the number of bytes staged so far.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
