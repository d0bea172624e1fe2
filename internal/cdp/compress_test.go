package cdp_test

import (
	"bytes"
	"errors"
	"runtime"
	"testing"

	"cdp-go/internal/cdp"
)

func TestCompressRoundTrip(t *testing.T) {
	inputs := map[string][]byte{
		"empty":        {},
		"short":        []byte("abc"),
		"compressible": bytes.Repeat([]byte("dedup "), 4096),
	}

	for _, ct := range []cdp.CompressionType{cdp.CompressionNone, cdp.CompressionZlib, cdp.CompressionZstd} {
		for name, data := range inputs {
			if len(data) == 0 && ct != cdp.CompressionNone {
				continue
			}
			t.Run(ct.String()+"/"+name, func(t *testing.T) {
				packed, err := cdp.Compress(data, ct)
				if err != nil {
					t.Fatalf("Compress() error = %v", err)
				}
				got, err := cdp.Decompress(packed, ct, int64(len(data)))
				if err != nil {
					t.Fatalf("Decompress() error = %v", err)
				}
				if !bytes.Equal(got, data) {
					t.Errorf("round trip returned %d bytes, want %d", len(got), len(data))
				}
			})
		}
	}
}

func TestDecompress_SizeMismatch(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)
	for _, ct := range []cdp.CompressionType{cdp.CompressionZlib, cdp.CompressionZstd} {
		packed, err := cdp.Compress(data, ct)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := cdp.Decompress(packed, ct, 10); err == nil {
			t.Errorf("%s: Decompress() with short declared size should fail", ct)
		}
		if _, err := cdp.Decompress(packed, ct, 2000); err == nil {
			t.Errorf("%s: Decompress() with long declared size should fail", ct)
		}
	}
}

func TestDecompress_BoundsOutput(t *testing.T) {
	// 64 MiB of zeros packs into a few KiB.
	bomb := make([]byte, 64<<20)

	for _, ct := range []cdp.CompressionType{cdp.CompressionZlib, cdp.CompressionZstd} {
		t.Run(ct.String(), func(t *testing.T) {
			packed, err := cdp.Compress(bomb, ct)
			if err != nil {
				t.Fatal(err)
			}
			desc := cdp.ChunkDescriptor{
				Hash:      cdp.Sum(bomb[:16]),
				Data:      packed,
				Size:      int64(len(packed)),
				CmpType:   ct,
				UncmpSize: 16,
			}

			runtime.GC()
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			_, err = desc.Plain()
			runtime.ReadMemStats(&after)

			if !errors.Is(err, cdp.ErrInvalidChunk) {
				t.Fatalf("Plain() error = %v, want ErrInvalidChunk", err)
			}
			if grew := after.TotalAlloc - before.TotalAlloc; grew > 32<<20 {
				t.Errorf("Plain() allocated %d bytes for a 16 byte chunk", grew)
			}
		})
	}

	t.Run("declared size above maximum", func(t *testing.T) {
		packed, err := cdp.Compress([]byte("small"), cdp.CompressionZstd)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := cdp.Decompress(packed, cdp.CompressionZstd, cdp.MaxChunkSize+1); err == nil {
			t.Error("Decompress() accepted a declared size above MaxChunkSize")
		}
	})
}

func TestParseCompressionType(t *testing.T) {
	tests := map[string]cdp.CompressionType{
		"":     cdp.CompressionNone,
		"none": cdp.CompressionNone,
		"zlib": cdp.CompressionZlib,
		"zstd": cdp.CompressionZstd,
	}
	for name, want := range tests {
		got, err := cdp.ParseCompressionType(name)
		if err != nil || got != want {
			t.Errorf("ParseCompressionType(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := cdp.ParseCompressionType("lz4"); err == nil {
		t.Error("ParseCompressionType(lz4) expected error")
	}
}

func TestCompressChunk(t *testing.T) {
	t.Run("compressible data is compressed", func(t *testing.T) {
		data := bytes.Repeat([]byte("a"), 8192)
		desc, err := cdp.CompressChunk(data, cdp.CompressionZstd)
		if err != nil {
			t.Fatal(err)
		}
		if desc.CmpType != cdp.CompressionZstd || desc.Size >= int64(len(data)) {
			t.Errorf("descriptor = type %s size %d, want smaller zstd data", desc.CmpType, desc.Size)
		}
		if desc.UncmpSize != int64(len(data)) || desc.Hash != cdp.Sum(data) {
			t.Error("descriptor must describe the uncompressed chunk")
		}
		plain, err := desc.Plain()
		if err != nil {
			t.Fatalf("Plain() error = %v", err)
		}
		if !bytes.Equal(plain, data) {
			t.Error("Plain() did not return the original data")
		}
	})

	t.Run("incompressible data stays plain", func(t *testing.T) {
		data := []byte("xy")
		desc, err := cdp.CompressChunk(data, cdp.CompressionZlib)
		if err != nil {
			t.Fatal(err)
		}
		if desc.CmpType != cdp.CompressionNone || !bytes.Equal(desc.Data, data) {
			t.Errorf("descriptor = %+v, want plain", desc)
		}
	})
}

func TestChunkDescriptor_PlainRejects(t *testing.T) {
	data := []byte("payload")

	tests := []struct {
		name   string
		mutate func(d *cdp.ChunkDescriptor)
	}{
		{"wrong hash", func(d *cdp.ChunkDescriptor) { d.Hash = cdp.Sum([]byte("other")) }},
		{"wrong size", func(d *cdp.ChunkDescriptor) { d.Size = 3 }},
		{"garbage compressed data", func(d *cdp.ChunkDescriptor) { d.CmpType = cdp.CompressionZlib }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := cdp.NewChunkDescriptor(data)
			tt.mutate(&d)
			if _, err := d.Plain(); !errors.Is(err, cdp.ErrInvalidChunk) {
				t.Errorf("Plain() error = %v, want ErrInvalidChunk", err)
			}
		})
	}
}
