package testutil

import (
	"context"
	"errors"
	"sync"

	"cdp-go/internal/cdp"
)

// ErrInjected is the error FlakyBackend returns for injected failures.
var ErrInjected = errors.New("injected failure")

// FlakyBackend wraps a backend and can fail or block stores on demand.
// It deliberately does not implement NeededHashesFinder so it also
// exercises the "everything is needed" fallback.
type FlakyBackend struct {
	cdp.Backend

	mu            sync.Mutex
	failChunks    int
	failRecords   int
	gate          chan struct{}
	storedChunks  int
	storedRecords int
}

func NewFlakyBackend(inner cdp.Backend) *FlakyBackend {
	return &FlakyBackend{Backend: inner}
}

// FailNextChunks makes the next n StoreChunk calls fail.
func (f *FlakyBackend) FailNextChunks(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failChunks = n
}

// FailNextRecords makes the next n StoreMetadata calls fail.
func (f *FlakyBackend) FailNextRecords(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRecords = n
}

// Block makes every store wait until the returned function is called.
func (f *FlakyBackend) Block() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *FlakyBackend) wait(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FlakyBackend) StoreChunk(ctx context.Context, hash cdp.Hash, data []byte) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	if f.failChunks > 0 {
		f.failChunks--
		f.mu.Unlock()
		return ErrInjected
	}
	f.storedChunks++
	f.mu.Unlock()
	return f.Backend.StoreChunk(ctx, hash, data)
}

func (f *FlakyBackend) StoreMetadata(ctx context.Context, rec cdp.HostFileRecord) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	if f.failRecords > 0 {
		f.failRecords--
		f.mu.Unlock()
		return ErrInjected
	}
	f.storedRecords++
	f.mu.Unlock()
	return f.Backend.StoreMetadata(ctx, rec)
}

// Stored returns how many records and chunks reached the inner backend.
func (f *FlakyBackend) Stored() (records, chunks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storedRecords, f.storedChunks
}
