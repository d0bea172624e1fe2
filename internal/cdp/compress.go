package cdp

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// CompressionType identifies how a ChunkDescriptor's data is compressed on
// the wire. The values are protocol constants.
type CompressionType int16

const (
	CompressionNone CompressionType = 0
	CompressionZlib CompressionType = 1
	CompressionZstd CompressionType = 2
)

func (t CompressionType) String() string {
	switch t {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", int16(t))
	}
}

// ParseCompressionType parses a compression name as used in the config file.
func ParseCompressionType(name string) (CompressionType, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "zlib":
		return CompressionZlib, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression type: %q", name)
	}
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdErr     error
)

func zstdEncoderOnce() (*zstd.Encoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEncoder, zstdErr
}

// Compress compresses data with the given algorithm. CompressionNone
// returns data unchanged.
func Compress(data []byte, t CompressionType) ([]byte, error) {
	switch t {
	case CompressionNone:
		return data, nil
	case CompressionZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstdEncoderOnce()
		if err != nil {
			return nil, fmt.Errorf("zstd codec: %w", err)
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("unsupported compression type %s", t)
	}
}

// MaxChunkSize is the largest uncompressed chunk accepted on the wire. It
// covers both the biggest fixed block and the content-defined maximum.
const MaxChunkSize = 4 << 20

// Decompress inflates data compressed with t. The result must be exactly
// uncmpSize bytes long, and uncmpSize may not exceed MaxChunkSize. Reading
// stops one byte past uncmpSize, so oversized output is never buffered.
func Decompress(data []byte, t CompressionType, uncmpSize int64) ([]byte, error) {
	if uncmpSize < 0 || uncmpSize > MaxChunkSize {
		return nil, fmt.Errorf("uncompressed size %d outside [0, %d]", uncmpSize, MaxChunkSize)
	}

	var out []byte
	switch t {
	case CompressionNone:
		out = data
	case CompressionZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		defer r.Close()
		out, err = io.ReadAll(io.LimitReader(r, uncmpSize+1))
		if err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
	case CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data),
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(2*MaxChunkSize))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		out, err = io.ReadAll(io.LimitReader(dec, uncmpSize+1))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression type %s", t)
	}

	if int64(len(out)) != uncmpSize {
		return nil, fmt.Errorf("decompressed %d bytes, expected %d", len(out), uncmpSize)
	}
	return out, nil
}

// CompressChunk returns a descriptor for data compressed with t. When
// compression does not shrink the chunk the plain descriptor is returned.
func CompressChunk(data []byte, t CompressionType) (ChunkDescriptor, error) {
	desc := NewChunkDescriptor(data)
	if t == CompressionNone {
		return desc, nil
	}

	packed, err := Compress(data, t)
	if err != nil {
		return ChunkDescriptor{}, err
	}
	if len(packed) >= len(data) {
		return desc, nil
	}

	desc.Data = packed
	desc.Size = int64(len(packed))
	desc.CmpType = t
	return desc, nil
}
