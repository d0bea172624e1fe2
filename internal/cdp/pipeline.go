package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// chunkItem is a validated chunk waiting to be stored.
type chunkItem struct {
	hash Hash
	data []byte
}

// Pipeline decouples request handling from storage I/O. It owns two
// unbounded FIFO queues, one for records and one for chunks, each drained
// by a single worker goroutine. Those two workers are the only callers of
// Backend.StoreMetadata and Backend.StoreChunk.
//
// Enqueueing never blocks. A failed store is logged and counted; the worker
// then moves on to the next item. Stop does not drain: items still queued
// when it is called are dropped.
type Pipeline struct {
	backend Backend
	logger  Logger
	stats   *Stats

	metaQ  *queue[HostFileRecord]
	chunkQ *queue[chunkItem]

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPipeline creates a pipeline writing to backend. logger and stats may
// be nil.
func NewPipeline(backend Backend, logger Logger, stats *Stats) *Pipeline {
	if logger == nil {
		logger = NewNopLogger()
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Pipeline{
		backend: backend,
		logger:  logger,
		stats:   stats,
		metaQ:   newQueue[HostFileRecord](),
		chunkQ:  newQueue[chunkItem](),
	}
}

// Start launches the two workers. They run until ctx is done or Stop is
// called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("pipeline already started")
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(2)
	go p.runMetadataWorker(ctx)
	go p.runChunkWorker(ctx)

	p.logger.Debug("pipeline started")
	return nil
}

// EnqueueMetadata queues rec for StoreMetadata.
func (p *Pipeline) EnqueueMetadata(rec HostFileRecord) {
	p.metaQ.push(rec)
}

// EnqueueChunk queues data for StoreChunk under hash.
func (p *Pipeline) EnqueueChunk(hash Hash, data []byte) {
	p.chunkQ.push(chunkItem{hash: hash, data: data})
}

// Len returns the number of records and chunks waiting in the queues.
func (p *Pipeline) Len() (records, chunks int) {
	return p.metaQ.len(), p.chunkQ.len()
}

// Stop cancels the workers, waits for the item each may be storing, and
// drops whatever is still queued. It returns the number of dropped items.
func (p *Pipeline) Stop() int {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return 0
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	droppedRecords := p.metaQ.clear()
	droppedChunks := p.chunkQ.clear()
	if droppedRecords+droppedChunks > 0 {
		p.logger.Warn("pipeline stopped with queued items",
			"dropped_records", droppedRecords, "dropped_chunks", droppedChunks)
	}
	p.stats.addDropped(uint64(droppedRecords + droppedChunks))
	return droppedRecords + droppedChunks
}

// Flush blocks until both queues are empty and both workers are idle, or
// ctx is done.
func (p *Pipeline) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.metaQ.idle() && p.chunkQ.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			records, chunks := p.Len()
			return fmt.Errorf("flushing pipeline (%d records, %d chunks left): %w", records, chunks, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) runMetadataWorker(ctx context.Context) {
	defer p.wg.Done()
	// In-flight stores finish even when the pipeline is being stopped.
	storeCtx := context.WithoutCancel(ctx)

	for {
		rec, ok := p.metaQ.pop(ctx)
		if !ok {
			return
		}
		if err := p.backend.StoreMetadata(storeCtx, rec); err != nil {
			p.stats.addStoreError()
			p.logger.Error("storing metadata failed", "host", rec.Hostname, "name", rec.Name, "error", err)
		} else {
			p.logger.Debug("metadata stored", "host", rec.Hostname, "name", rec.Name)
		}
		p.metaQ.done()
	}
}

func (p *Pipeline) runChunkWorker(ctx context.Context) {
	defer p.wg.Done()
	storeCtx := context.WithoutCancel(ctx)

	for {
		item, ok := p.chunkQ.pop(ctx)
		if !ok {
			return
		}
		if err := p.backend.StoreChunk(storeCtx, item.hash, item.data); err != nil {
			p.stats.addStoreError()
			p.logger.Error("storing chunk failed", "hash", item.hash.String(), "error", err)
		}
		p.chunkQ.done()
	}
}
