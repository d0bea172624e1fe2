package cdp

import (
	"context"
	"fmt"
)

// Backend is durable storage for chunks and file records.
//
// The server calls StoreMetadata from exactly one goroutine and StoreChunk
// from exactly one other goroutine (see Pipeline). ListFiles, RetrieveChunk
// and, when implemented, NeededHashes are called concurrently from request
// handlers while those writers run, so an implementation must at least be
// safe for one writer per mutation kind plus many readers.
type Backend interface {
	// Init prepares storage. It is idempotent and is called once at server
	// startup before any other method.
	Init(ctx context.Context) error

	// StoreMetadata appends rec. Storing the same (hostname, name, mtime)
	// twice is not an error and yields two records.
	StoreMetadata(ctx context.Context, rec HostFileRecord) error

	// StoreChunk stores data under hash. If hash is already present the
	// call is a no-op and the first stored bytes are kept.
	StoreChunk(ctx context.Context, hash Hash, data []byte) error

	// ListFiles returns every record matching q.
	ListFiles(ctx context.Context, q Query) ([]HostFileRecord, error)

	// RetrieveChunk returns the bytes stored under hash, or an error
	// wrapping ErrChunkNotFound.
	RetrieveChunk(ctx context.Context, hash Hash) ([]byte, error)

	// Close releases the backend's resources.
	Close() error
}

// NeededHashesFinder is implemented by backends that can tell which hashes
// they lack. NeededHashes must be read-only and return the candidates not
// present in storage, in candidate order, each at most once.
type NeededHashesFinder interface {
	NeededHashes(ctx context.Context, candidates []Hash) ([]Hash, error)
}

// NeededHashes returns the subset of candidates that b does not store yet.
// A backend that does not implement NeededHashesFinder is assumed to need
// every candidate.
func NeededHashes(ctx context.Context, b Backend, candidates []Hash) ([]Hash, error) {
	unique := HashList(candidates).Unique()
	finder, ok := b.(NeededHashesFinder)
	if !ok {
		return unique, nil
	}

	needed, err := finder.NeededHashes(ctx, unique)
	if err != nil {
		return nil, fmt.Errorf("computing needed hashes: %w", err)
	}
	return needed, nil
}
