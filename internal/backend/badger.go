package backend

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"cdp-go/internal/cdp"
)

const (
	chunkKeyPrefix  = "c/"
	recordKeyPrefix = "m/"
	recordSeqKey    = "seq/records"
	recordSeqLease  = 1000
)

// BadgerBackend stores chunks and records in an embedded badger database.
//
// Chunks live under "c/" followed by the hex hash. Records live under
// "m/<hostname>/" followed by a big-endian sequence number, so a prefix
// scan returns a host's records in arrival order.
type BadgerBackend struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger cdp.Logger
}

// NewBadgerBackend opens (or creates) a badger database in dir. An empty dir
// opens an in-memory database.
func NewBadgerBackend(dir string, logger cdp.Logger) (*BadgerBackend, error) {
	if logger == nil {
		logger = cdp.NewNopLogger()
	}

	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger.With("component", "badger")})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	seq, err := db.GetSequence([]byte(recordSeqKey), recordSeqLease)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open record sequence: %w", err)
	}
	return &BadgerBackend{db: db, seq: seq, logger: logger}, nil
}

// Init is a no-op; the database is ready once opened.
func (b *BadgerBackend) Init(ctx context.Context) error { return nil }

func chunkKey(h cdp.Hash) []byte {
	return []byte(chunkKeyPrefix + h.String())
}

func hostPrefix(hostname string) []byte {
	return []byte(recordKeyPrefix + hostname + "/")
}

// StoreChunk writes data under hash unless the key exists.
func (b *BadgerBackend) StoreChunk(ctx context.Context, hash cdp.Hash, data []byte) error {
	key := chunkKey(hash)
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to store chunk %s: %w", hash, err)
	}
	return nil
}

// NeededHashes returns the candidates with no chunk key.
func (b *BadgerBackend) NeededHashes(ctx context.Context, candidates []cdp.Hash) ([]cdp.Hash, error) {
	var needed []cdp.Hash
	err := b.db.View(func(txn *badger.Txn) error {
		for _, h := range cdp.HashList(candidates).Unique() {
			_, err := txn.Get(chunkKey(h))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				needed = append(needed, h)
			case err != nil:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up chunks: %w", err)
	}
	return needed, nil
}

// RetrieveChunk returns a copy of the value stored under hash.
func (b *BadgerBackend) RetrieveChunk(ctx context.Context, hash cdp.Hash) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(hash))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", cdp.ErrChunkNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", hash, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// StoreMetadata writes rec as JSON under the next sequence number of its
// host.
func (b *BadgerBackend) StoreMetadata(ctx context.Context, rec cdp.HostFileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	n, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate record key: %w", err)
	}
	key := binary.BigEndian.AppendUint64(hostPrefix(rec.Hostname), n)

	if err := b.db.Update(func(txn *badger.Txn) error { return txn.Set(key, value) }); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// ListFiles scans the host's prefix and returns the records matching q.
// Values that do not decode are logged and skipped.
func (b *BadgerBackend) ListFiles(ctx context.Context, q cdp.Query) ([]cdp.HostFileRecord, error) {
	matcher, err := q.Compile()
	if err != nil {
		return nil, err
	}
	if err := cdp.ValidateHostname(q.Hostname); err != nil {
		return nil, fmt.Errorf("%w: %v", cdp.ErrMalformedQuery, err)
	}

	prefix := hostPrefix(q.Hostname)
	var out []cdp.HostFileRecord
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec cdp.HostFileRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					b.logger.Warn("skipping undecodable record", "key", string(item.Key()), "error", err)
					return nil
				}
				if matcher.Match(&rec) {
					out = append(out, rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}
	return out, nil
}

// Close releases the sequence lease and closes the database.
func (b *BadgerBackend) Close() error {
	var firstErr error
	if err := b.seq.Release(); err != nil {
		firstErr = fmt.Errorf("failed to release record sequence: %w", err)
	}
	if err := b.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close badger database: %w", err)
	}
	return firstErr
}

// badgerLogger routes badger's printf-style logging to a cdp.Logger.
// Badger is chatty at info level, so info goes to debug.
type badgerLogger struct {
	l cdp.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

var _ cdp.Backend = (*BadgerBackend)(nil)
var _ cdp.NeededHashesFinder = (*BadgerBackend)(nil)
