package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Service is the server side of the deduplication protocol. It answers
// announces with the hashes the backend still needs, validates incoming
// chunks, and hands both to the Pipeline for persistence.
type Service struct {
	backend  Backend
	pipeline *Pipeline
	stats    *Stats
	logger   Logger
}

// NewService creates a Service. The pipeline must write to the same
// backend. A nil stats shares the pipeline's counters.
func NewService(backend Backend, pipeline *Pipeline, stats *Stats, logger Logger) *Service {
	if stats == nil {
		stats = pipeline.stats
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Service{
		backend:  backend,
		pipeline: pipeline,
		stats:    stats,
		logger:   logger,
	}
}

// Announce handles a file announce. It returns the subset of rec's hashes
// the client must send and queues rec for storage without waiting for it.
//
// When rec.DataSent is set the client claims every chunk was already
// transmitted; the claim is trusted and no hash is requested.
func (s *Service) Announce(ctx context.Context, rec HostFileRecord) (HashList, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	var needed HashList
	if !rec.DataSent && len(rec.Hashes) > 0 {
		hashes, err := NeededHashes(ctx, s.backend, rec.Hashes)
		if err != nil {
			return nil, err
		}
		needed = hashes
	}

	s.pipeline.EnqueueMetadata(rec)

	var metaBytes uint64
	if encoded, err := json.Marshal(rec); err == nil {
		metaBytes = uint64(len(encoded))
	}
	s.stats.addFile(rec.Size, metaBytes)

	s.logger.Debug("file announced",
		"host", rec.Hostname, "name", rec.Name, "hashes", len(rec.Hashes), "needed", len(needed), "data_sent", rec.DataSent)
	return needed, nil
}

// Needed returns the subset of hashes the backend does not store yet,
// without recording anything.
func (s *Service) Needed(ctx context.Context, hashes []Hash) (HashList, error) {
	needed, err := NeededHashes(ctx, s.backend, hashes)
	if err != nil {
		return nil, err
	}
	return needed, nil
}

// ReceiveChunks validates every descriptor and, if all are valid, queues
// their plain bytes for storage. An invalid descriptor rejects the whole
// batch before anything is queued.
func (s *Service) ReceiveChunks(ctx context.Context, descs []ChunkDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	plain := make([][]byte, len(descs))
	for i := range descs {
		data, err := descs[i].Plain()
		if err != nil {
			return fmt.Errorf("chunk %d of %d: %w", i+1, len(descs), err)
		}
		plain[i] = data
	}

	for i := range descs {
		s.pipeline.EnqueueChunk(descs[i].Hash, plain[i])
		s.stats.addChunk(uint64(len(plain[i])))
	}
	return nil
}

// Chunk returns one stored chunk as an uncompressed descriptor.
func (s *Service) Chunk(ctx context.Context, hash Hash) (ChunkDescriptor, error) {
	data, err := s.backend.RetrieveChunk(ctx, hash)
	if err != nil {
		return ChunkDescriptor{}, err
	}
	desc := NewChunkDescriptor(data)
	desc.Hash = hash
	return desc, nil
}

// Chunks returns the stored chunks for hashes, in request order. The first
// missing hash aborts the call with an error wrapping ErrChunkNotFound.
func (s *Service) Chunks(ctx context.Context, hashes []Hash) ([]ChunkDescriptor, error) {
	out := make([]ChunkDescriptor, 0, len(hashes))
	for _, h := range hashes {
		desc, err := s.Chunk(ctx, h)
		if err != nil {
			if errors.Is(err, ErrChunkNotFound) {
				return nil, &MissingChunkError{Hash: h}
			}
			return nil, fmt.Errorf("retrieving chunk %s: %w", h, err)
		}
		out = append(out, desc)
	}
	return out, nil
}

// List returns the records matching q.
func (s *Service) List(ctx context.Context, q Query) ([]HostFileRecord, error) {
	if _, err := q.Compile(); err != nil {
		return nil, err
	}
	records, err := s.backend.ListFiles(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return records, nil
}

// Stats returns a snapshot of the server counters.
func (s *Service) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// MissingChunkError names a hash that is referenced but not stored.
type MissingChunkError struct {
	Hash Hash
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("chunk %s not found", e.Hash)
}

func (e *MissingChunkError) Unwrap() error { return ErrChunkNotFound }
