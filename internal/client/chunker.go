package client

import (
	"errors"
	"fmt"
	"io"

	"github.com/restic/chunker"

	"cdp-go/internal/cdp"
)

// Chunker cuts file content into the chunks whose hashes make up a file's
// hash list. Cutting the same bytes twice must yield the same chunks.
type Chunker interface {
	// Chunks calls fn for each chunk of r, in order. size is the file size
	// as observed by stat. The slice passed to fn is only valid until fn
	// returns.
	Chunks(r io.Reader, size uint64, fn func(chunk []byte) error) error

	// BlockSize returns the block size recorded in the metadata of a file
	// of the given size. Content-defined chunking records 0.
	BlockSize(size uint64) uint64
}

// NewChunker returns the chunker named by kind ("fixed" or "cdc").
// blockSize applies to fixed chunking; 0 selects the adaptive size.
func NewChunker(kind string, blockSize int) (Chunker, error) {
	switch kind {
	case "", "fixed":
		if blockSize < 0 {
			return nil, fmt.Errorf("negative block size %d", blockSize)
		}
		return &FixedChunker{Size: blockSize}, nil
	case "cdc":
		return NewCDCChunker(), nil
	default:
		return nil, fmt.Errorf("unknown chunking: %q", kind)
	}
}

// FixedChunker cuts content into equal blocks; the last one may be short.
// A zero Size picks the block size from the file size.
type FixedChunker struct {
	Size int
}

func (c *FixedChunker) BlockSize(size uint64) uint64 {
	if c.Size > 0 {
		return uint64(c.Size)
	}
	return uint64(cdp.BlockSizeFor(size))
}

func (c *FixedChunker) Chunks(r io.Reader, size uint64, fn func([]byte) error) error {
	buf := make([]byte, c.BlockSize(size))
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("reading: %w", err)
		}
	}
}

// Rabin polynomial shared by every client so that equal content is cut at
// equal boundaries across hosts.
const cdcPolynomial = chunker.Pol(0x3DA3358B4DC173)

const (
	cdcMinSize = 256 * 1024
	cdcMaxSize = cdp.MaxChunkSize
)

// CDCChunker cuts content at boundaries chosen by a rolling Rabin
// fingerprint, so an insertion only changes the chunks around it.
type CDCChunker struct {
	pol      chunker.Pol
	min, max uint
}

func NewCDCChunker() *CDCChunker {
	return &CDCChunker{pol: cdcPolynomial, min: cdcMinSize, max: cdcMaxSize}
}

func (c *CDCChunker) BlockSize(uint64) uint64 { return 0 }

func (c *CDCChunker) Chunks(r io.Reader, _ uint64, fn func([]byte) error) error {
	ch := chunker.NewWithBoundaries(r, c.pol, c.min, c.max)
	buf := make([]byte, c.max)
	for {
		chunk, err := ch.Next(buf)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chunking: %w", err)
		}
		if err := fn(chunk.Data); err != nil {
			return err
		}
	}
}
