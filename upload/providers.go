package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// BlockProvider provides block data for upload.
type BlockProvider interface {
	// NumBlocks returns the total number of blocks.
	NumBlocks() int

	// BlockSize returns the size of the block at the given index.
	BlockSize(index int) int64

	// GetBlock returns the block at the given index. It may be called more
	// than once for the same index.
	GetBlock(index int) (io.ReadSeeker, error)
}

// FileBlockProvider reads blocks from a file on disk.
// Safe for parallel block reads.
type FileBlockProvider struct {
	file      *os.File
	size      int64
	blockSize int64
	numBlocks int
	mu        sync.Mutex
}

// NewFileBlockProvider splits the file at path into blocks of blockSize bytes.
func NewFileBlockProvider(path string, blockSize int64) (*FileBlockProvider, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	numBlocks := int((info.Size() + blockSize - 1) / blockSize)
	return &FileBlockProvider{
		file:      file,
		size:      info.Size(),
		blockSize: blockSize,
		numBlocks: numBlocks,
	}, nil
}

// NumBlocks ...
func (p *FileBlockProvider) NumBlocks() int {
	return p.numBlocks
}

// Size returns the file size.
func (p *FileBlockProvider) Size() int64 {
	return p.size
}

// BlockSize ...
func (p *FileBlockProvider) BlockSize(index int) int64 {
	if index < 0 || index >= p.numBlocks {
		return 0
	}
	if index == p.numBlocks-1 {
		return p.size - int64(index)*p.blockSize
	}
	return p.blockSize
}

// GetBlock reads the block into memory so that it can be replayed on retries.
func (p *FileBlockProvider) GetBlock(index int) (io.ReadSeeker, error) {
	if index < 0 || index >= p.numBlocks {
		return nil, fmt.Errorf("block index %d out of range [0, %d)", index, p.numBlocks)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	offset := int64(index) * p.blockSize
	block := make([]byte, p.BlockSize(index))
	n, err := p.file.ReadAt(block, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read block %d: %w", index+1, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("unexpected end of file at block %d", index+1)
	}

	return bytes.NewReader(block[:n]), nil
}

// Close closes the underlying file.
func (p *FileBlockProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ByteSliceBlockProvider provides blocks from in-memory byte slices.
type ByteSliceBlockProvider struct {
	blocks [][]byte
}

// NewByteSliceBlockProvider ...
func NewByteSliceBlockProvider(blocks [][]byte) *ByteSliceBlockProvider {
	return &ByteSliceBlockProvider{blocks: blocks}
}

// SplitBytes cuts data into blocks of blockSize bytes.
func SplitBytes(data []byte, blockSize int) *ByteSliceBlockProvider {
	var blocks [][]byte
	for len(data) > 0 {
		n := blockSize
		if n <= 0 || n > len(data) {
			n = len(data)
		}
		blocks = append(blocks, data[:n])
		data = data[n:]
	}
	return NewByteSliceBlockProvider(blocks)
}

// NumBlocks ...
func (p *ByteSliceBlockProvider) NumBlocks() int {
	return len(p.blocks)
}

// BlockSize ...
func (p *ByteSliceBlockProvider) BlockSize(index int) int64 {
	if index < 0 || index >= len(p.blocks) {
		return 0
	}
	return int64(len(p.blocks[index]))
}

// GetBlock ...
func (p *ByteSliceBlockProvider) GetBlock(index int) (io.ReadSeeker, error) {
	if index < 0 || index >= len(p.blocks) {
		return nil, fmt.Errorf("block index %d out of range [0, %d)", index, len(p.blocks))
	}
	return bytes.NewReader(p.blocks[index]), nil
}
