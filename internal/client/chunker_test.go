package client_test

import (
	"bytes"
	"math/rand"
	"testing"

	"cdp-go/internal/cdp"
	"cdp-go/internal/client"
)

func collect(t *testing.T, c client.Chunker, data []byte) [][]byte {
	t.Helper()
	var chunks [][]byte
	err := c.Chunks(bytes.NewReader(data), uint64(len(data)), func(chunk []byte) error {
		chunks = append(chunks, bytes.Clone(chunk))
		return nil
	})
	if err != nil {
		t.Fatalf("Chunks() error = %v", err)
	}
	return chunks
}

func randomData(seed int64, n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestFixedChunker(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		dataLen   int
		wantSizes []int
		wantBlock uint64
	}{
		{name: "empty file", size: 4, dataLen: 0, wantSizes: nil, wantBlock: 4},
		{name: "exact multiple", size: 4, dataLen: 8, wantSizes: []int{4, 4}, wantBlock: 4},
		{name: "short tail", size: 4, dataLen: 10, wantSizes: []int{4, 4, 2}, wantBlock: 4},
		{name: "adaptive small file", size: 0, dataLen: 1200, wantSizes: []int{512, 512, 176}, wantBlock: 512},
		{name: "adaptive medium file", size: 0, dataLen: 40000, wantSizes: nil, wantBlock: 2048},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &client.FixedChunker{Size: tt.size}
			data := randomData(1, tt.dataLen)

			if got := c.BlockSize(uint64(tt.dataLen)); got != tt.wantBlock {
				t.Errorf("BlockSize() = %d, want %d", got, tt.wantBlock)
			}

			chunks := collect(t, c, data)
			if !bytes.Equal(bytes.Join(chunks, nil), data) {
				t.Fatal("chunks do not reassemble to the input")
			}
			if tt.wantSizes == nil {
				return
			}
			if len(chunks) != len(tt.wantSizes) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.wantSizes))
			}
			for i, want := range tt.wantSizes {
				if len(chunks[i]) != want {
					t.Errorf("chunk %d has %d bytes, want %d", i, len(chunks[i]), want)
				}
			}
		})
	}
}

func TestCDCChunker_ReassemblesAndIsDeterministic(t *testing.T) {
	t.Parallel()
	c := client.NewCDCChunker()
	data := randomData(7, 6<<20)

	first := collect(t, c, data)
	second := collect(t, c, data)

	if !bytes.Equal(bytes.Join(first, nil), data) {
		t.Fatal("chunks do not reassemble to the input")
	}
	if len(first) < 2 {
		t.Fatalf("got %d chunks for 6 MiB, want several", len(first))
	}
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ between runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if cdp.Sum(first[i]) != cdp.Sum(second[i]) {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
	if got := c.BlockSize(uint64(len(data))); got != 0 {
		t.Errorf("BlockSize() = %d, want 0", got)
	}
}

func TestCDCChunker_InsertionKeepsMostChunks(t *testing.T) {
	t.Parallel()
	c := client.NewCDCChunker()
	data := randomData(11, 8<<20)

	edited := append(bytes.Clone(data[:3<<20]), []byte("a few inserted bytes")...)
	edited = append(edited, data[3<<20:]...)

	before := map[cdp.Hash]bool{}
	for _, chunk := range collect(t, c, data) {
		before[cdp.Sum(chunk)] = true
	}
	after := collect(t, c, edited)

	shared := 0
	for _, chunk := range after {
		if before[cdp.Sum(chunk)] {
			shared++
		}
	}
	// Only the chunks around the insertion may change.
	if changed := len(after) - shared; changed > 3 {
		t.Errorf("%d of %d chunks changed after a small insertion", changed, len(after))
	}
}

func TestNewChunker(t *testing.T) {
	tests := []struct {
		kind      string
		blockSize int
		wantErr   bool
	}{
		{"", 0, false},
		{"fixed", 4096, false},
		{"cdc", 0, false},
		{"fixed", -1, true},
		{"rolling", 0, true},
	}

	for _, tt := range tests {
		_, err := client.NewChunker(tt.kind, tt.blockSize)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewChunker(%q, %d) error = %v, wantErr %v", tt.kind, tt.blockSize, err, tt.wantErr)
		}
	}
}
