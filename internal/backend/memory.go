package backend

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"cdp-go/internal/cdp"
)

// MemoryBackend keeps chunks and records in memory. It is safe for
// concurrent use and is meant for tests and throwaway servers.
type MemoryBackend struct {
	mu      sync.RWMutex
	chunks  map[cdp.Hash][]byte
	records map[string][]cdp.HostFileRecord // hostname -> records in arrival order
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		chunks:  make(map[cdp.Hash][]byte),
		records: make(map[string][]cdp.HostFileRecord),
	}
}

// Init is a no-op.
func (m *MemoryBackend) Init(ctx context.Context) error { return nil }

// StoreMetadata appends a copy of rec to the host's record list.
func (m *MemoryBackend) StoreMetadata(ctx context.Context, rec cdp.HostFileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Hashes = append(cdp.HashList(nil), rec.Hashes...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Hostname] = append(m.records[rec.Hostname], rec)
	return nil
}

// StoreChunk stores a copy of data unless hash is already present.
func (m *MemoryBackend) StoreChunk(ctx context.Context, hash cdp.Hash, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chunks[hash]; ok {
		return nil
	}
	m.chunks[hash] = bytes.Clone(data)
	return nil
}

// NeededHashes returns the candidates not present in memory.
func (m *MemoryBackend) NeededHashes(ctx context.Context, candidates []cdp.Hash) ([]cdp.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var needed []cdp.Hash
	for _, h := range cdp.HashList(candidates).Unique() {
		if _, ok := m.chunks[h]; !ok {
			needed = append(needed, h)
		}
	}
	return needed, nil
}

// ListFiles returns the host's records matching q.
func (m *MemoryBackend) ListFiles(ctx context.Context, q cdp.Query) ([]cdp.HostFileRecord, error) {
	matcher, err := q.Compile()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return matcher.Filter(m.records[q.Hostname]), nil
}

// RetrieveChunk returns a copy of the chunk stored under hash.
func (m *MemoryBackend) RetrieveChunk(ctx context.Context, hash cdp.Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.chunks[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cdp.ErrChunkNotFound, hash)
	}
	return bytes.Clone(data), nil
}

// ChunkCount returns the number of distinct chunks stored.
func (m *MemoryBackend) ChunkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }

var _ cdp.Backend = (*MemoryBackend)(nil)
var _ cdp.NeededHashesFinder = (*MemoryBackend)(nil)
