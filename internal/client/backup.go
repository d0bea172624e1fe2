package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"cdp-go/internal/cdp"
)

const (
	// DefaultBatchSize is the number of chunks sent per request.
	DefaultBatchSize = 64

	// DefaultSegmentSize is the file size from which content is negotiated
	// and sent segment by segment, and the amount of chunk data per
	// segment.
	DefaultSegmentSize = 8 << 20
)

// API is the part of the server protocol a backup needs. *Client
// implements it.
type API interface {
	Announce(ctx context.Context, rec cdp.HostFileRecord) (cdp.HashList, error)
	Needed(ctx context.Context, hashes []cdp.Hash) (cdp.HashList, error)
	SendChunks(ctx context.Context, descs []cdp.ChunkDescriptor) error
}

// BackupOptions configures a Backup.
type BackupOptions struct {
	Hostname    string
	Chunker     Chunker
	Compression cdp.CompressionType
	BatchSize   int
	SegmentSize uint64
}

// Summary counts what a backup run did.
type Summary struct {
	Files      int
	Dirs       int
	Links      int
	Failed     int
	Bytes      uint64 // size of the regular files scanned
	SentChunks int
	SentBytes  uint64 // chunk bytes on the wire, after compression
}

// Backup sends files to a server, transferring only the chunks it lacks.
type Backup struct {
	api     API
	scanner *Scanner
	opts    BackupOptions
	ids     cdp.IDGenerator
	logger  cdp.Logger
}

// NewBackup creates a Backup. Zero BatchSize and SegmentSize take their
// defaults; a nil Chunker selects adaptive fixed-size chunking.
func NewBackup(api API, scanner *Scanner, opts BackupOptions, ids cdp.IDGenerator, logger cdp.Logger) (*Backup, error) {
	if err := cdp.ValidateHostname(opts.Hostname); err != nil {
		return nil, fmt.Errorf("backup hostname: %w", err)
	}
	if opts.Chunker == nil {
		opts.Chunker = &FixedChunker{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.SegmentSize == 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if ids == nil {
		ids = cdp.UUIDGenerator{}
	}
	if logger == nil {
		logger = cdp.NewNopLogger()
	}
	return &Backup{api: api, scanner: scanner, opts: opts, ids: ids, logger: logger}, nil
}

// Run backs up every root. Failures on single entries are logged and
// counted and do not stop the run; the returned error then reports how
// many failed. Cancelling ctx stops the run.
func (b *Backup) Run(ctx context.Context, roots []string, recursive bool) (Summary, error) {
	var sum Summary
	for _, root := range roots {
		err := b.scanner.Scan(ctx, root, recursive, func(e Entry) error {
			if err := b.Entry(ctx, e, &sum); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				sum.Failed++
				b.logger.Warn("backup failed", "path", e.Path, "error", err)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return sum, err
			}
			sum.Failed++
			b.logger.Warn("cannot scan", "root", root, "error", err)
		}
	}

	b.logger.Info("backup done",
		"files", sum.Files, "dirs", sum.Dirs, "links", sum.Links, "failed", sum.Failed,
		"bytes", sum.Bytes, "sent_chunks", sum.SentChunks, "sent_bytes", sum.SentBytes)
	if sum.Failed > 0 {
		return sum, fmt.Errorf("%d entries could not be backed up", sum.Failed)
	}
	return sum, nil
}

// Entry backs up one scanned entry.
func (b *Backup) Entry(ctx context.Context, e Entry, sum *Summary) error {
	rec := cdp.HostFileRecord{
		Hostname:     b.opts.Hostname,
		FileMetadata: e.Meta,
	}
	rec.MsgID = b.ids.New()

	switch e.Meta.FileType {
	case cdp.FileTypeDirectory:
		sum.Dirs++
		_, err := b.api.Announce(ctx, rec)
		return err
	case cdp.FileTypeSymlink:
		sum.Links++
		_, err := b.api.Announce(ctx, rec)
		return err
	case cdp.FileTypeRegular:
	default:
		return fmt.Errorf("unsupported file type %s", e.Meta.FileType)
	}

	rec.BlockSize = b.opts.Chunker.BlockSize(e.Meta.Size)
	batch := &batcher{api: b.api, compression: b.opts.Compression, size: b.opts.BatchSize, sum: sum}

	var err error
	if e.Meta.Size >= b.opts.SegmentSize {
		err = b.sendSegmented(ctx, e.Path, rec, batch)
	} else {
		err = b.sendWhole(ctx, e.Path, rec, batch)
	}
	if err != nil {
		return err
	}
	sum.Files++
	sum.Bytes += e.Meta.Size
	return nil
}

// sendWhole hashes the file, announces it, then reads it again to send
// the chunks the server asked for.
func (b *Backup) sendWhole(ctx context.Context, path string, rec cdp.HostFileRecord, batch *batcher) error {
	err := b.chunkFile(path, rec.Size, func(chunk []byte) error {
		rec.Hashes = append(rec.Hashes, cdp.Sum(chunk))
		return nil
	})
	if err != nil {
		return err
	}

	needed, err := b.api.Announce(ctx, rec)
	if err != nil {
		return err
	}
	b.logger.Debug("announced", "path", path, "chunks", len(rec.Hashes), "needed", len(needed))
	if len(needed) == 0 {
		return nil
	}

	want := make(map[cdp.Hash]struct{}, len(needed))
	for _, h := range needed {
		want[h] = struct{}{}
	}
	err = b.chunkFile(path, rec.Size, func(chunk []byte) error {
		h := cdp.Sum(chunk)
		if _, ok := want[h]; !ok {
			return nil
		}
		delete(want, h)
		return batch.add(ctx, chunk)
	})
	if err != nil {
		return err
	}
	if err := batch.flush(ctx); err != nil {
		return err
	}
	if len(want) > 0 {
		return fmt.Errorf("%s changed while being backed up: %d requested chunks no longer present", path, len(want))
	}
	return nil
}

// sendSegmented reads the file once. Every segment's hashes are checked
// with the server and the missing chunks sent before the next segment is
// read; the record is announced last with data_sent set.
func (b *Backup) sendSegmented(ctx context.Context, path string, rec cdp.HostFileRecord, batch *batcher) error {
	var (
		segment   [][]byte
		hashes    []cdp.Hash
		segBytes  uint64
		sent      = make(map[cdp.Hash]struct{})
		segmentNo int
	)

	flushSegment := func() error {
		if len(segment) == 0 {
			return nil
		}
		segmentNo++
		needed, err := b.api.Needed(ctx, hashes)
		if err != nil {
			return fmt.Errorf("segment %d: %w", segmentNo, err)
		}
		want := make(map[cdp.Hash]struct{}, len(needed))
		for _, h := range needed {
			want[h] = struct{}{}
		}
		for i, chunk := range segment {
			h := hashes[i]
			if _, ok := want[h]; !ok {
				continue
			}
			if _, ok := sent[h]; ok {
				continue
			}
			sent[h] = struct{}{}
			if err := batch.add(ctx, chunk); err != nil {
				return err
			}
		}
		if err := batch.flush(ctx); err != nil {
			return err
		}
		b.logger.Debug("segment sent", "path", path, "segment", segmentNo, "chunks", len(segment), "needed", len(needed))
		segment, hashes, segBytes = nil, nil, 0
		return nil
	}

	err := b.chunkFile(path, rec.Size, func(chunk []byte) error {
		h := cdp.Sum(chunk)
		rec.Hashes = append(rec.Hashes, h)
		segment = append(segment, bytes.Clone(chunk))
		hashes = append(hashes, h)
		segBytes += uint64(len(chunk))
		if segBytes >= b.opts.SegmentSize {
			return flushSegment()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flushSegment(); err != nil {
		return err
	}

	rec.DataSent = true
	if _, err := b.api.Announce(ctx, rec); err != nil {
		return err
	}
	return nil
}

func (b *Backup) chunkFile(path string, size uint64, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := b.opts.Chunker.Chunks(f, size, fn); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// batcher accumulates compressed chunks and sends them BatchSize at a
// time.
type batcher struct {
	api         API
	compression cdp.CompressionType
	size        int
	descs       []cdp.ChunkDescriptor
	sum         *Summary
}

func (b *batcher) add(ctx context.Context, chunk []byte) error {
	desc, err := cdp.CompressChunk(bytes.Clone(chunk), b.compression)
	if err != nil {
		return err
	}
	b.descs = append(b.descs, desc)
	if len(b.descs) >= b.size {
		return b.flush(ctx)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context) error {
	if len(b.descs) == 0 {
		return nil
	}
	if err := b.api.SendChunks(ctx, b.descs); err != nil {
		return fmt.Errorf("sending %d chunks: %w", len(b.descs), err)
	}
	for _, d := range b.descs {
		b.sum.SentChunks++
		b.sum.SentBytes += uint64(d.Size)
	}
	b.descs = nil
	return nil
}
