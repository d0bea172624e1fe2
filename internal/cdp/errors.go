package cdp

import "errors"

var (
	// ErrChunkNotFound is returned by Backend.RetrieveChunk on a miss.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrMalformedQuery is returned when a Query lacks a required field or
	// carries an unparsable pattern or date.
	ErrMalformedQuery = errors.New("malformed query")

	// ErrInvalidChunk is returned when a ChunkDescriptor fails validation.
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrInvalidRecord is returned when a HostFileRecord cannot be stored.
	ErrInvalidRecord = errors.New("invalid record")
)
