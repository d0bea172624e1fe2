package backend

import (
	"context"
	"fmt"

	"cdp-go/internal/cdp"
)

// SealedBackend encrypts chunk bytes before they reach the inner backend.
// Hashes name the plain bytes, so deduplication is unaffected; records are
// stored as they are.
type SealedBackend struct {
	cdp.Backend
	sealer cdp.Sealer
}

func NewSealedBackend(inner cdp.Backend, sealer cdp.Sealer) *SealedBackend {
	return &SealedBackend{Backend: inner, sealer: sealer}
}

func (s *SealedBackend) StoreChunk(ctx context.Context, hash cdp.Hash, data []byte) error {
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return fmt.Errorf("failed to seal chunk %s: %w", hash, err)
	}
	return s.Backend.StoreChunk(ctx, hash, sealed)
}

func (s *SealedBackend) RetrieveChunk(ctx context.Context, hash cdp.Hash) ([]byte, error) {
	sealed, err := s.Backend.RetrieveChunk(ctx, hash)
	if err != nil {
		return nil, err
	}
	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk %s: %w", hash, err)
	}
	if cdp.Sum(plain) != hash {
		return nil, fmt.Errorf("%w: chunk %s does not match its hash after opening", cdp.ErrInvalidChunk, hash)
	}
	return plain, nil
}

// NeededHashes defers to the inner backend.
func (s *SealedBackend) NeededHashes(ctx context.Context, candidates []cdp.Hash) ([]cdp.Hash, error) {
	return cdp.NeededHashes(ctx, s.Backend, candidates)
}

var _ cdp.Backend = (*SealedBackend)(nil)
var _ cdp.NeededHashesFinder = (*SealedBackend)(nil)
