// Package database implements the sqlite storage backend.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cdp-go/internal/cdp"
	"cdp-go/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// neededBatch bounds the number of placeholders in one presence query.
const neededBatch = 500

// SQLiteBackend stores records and chunks in a single sqlite database.
type SQLiteBackend struct {
	db     *sql.DB
	path   string
	clock  cdp.Clock
	logger cdp.Logger
}

// NewSQLiteBackend opens the database at path, which can be ":memory:".
// The schema is applied by Init.
func NewSQLiteBackend(path string, clock cdp.Clock, logger cdp.Logger) (*SQLiteBackend, error) {
	if clock == nil {
		clock = cdp.RealClock{}
	}
	if logger == nil {
		logger = cdp.NewNopLogger()
	}

	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{db: db, path: path, clock: clock, logger: logger}, nil
}

// OpenConnection opens and configures a SQLite connection. An in-memory
// database is limited to one connection, since every connection would
// otherwise see its own empty database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{"PRAGMA foreign_keys = ON"}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA synchronous = NORMAL",
		)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

// Init brings the schema to the latest version.
func (s *SQLiteBackend) Init(ctx context.Context) error {
	if err := migrations.MigrateUp(s.db); err != nil {
		return err
	}
	return migrations.Check(s.db)
}

// StoreMetadata inserts rec and its hash list in one transaction.
func (s *SQLiteBackend) StoreMetadata(ctx context.Context, rec cdp.HostFileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO records
		(hostname, msg_id, data_sent, filetype, inode, mode, atime, ctime, mtime, fsize,
		 owner, grp, uid, gid, name, link, blocksize, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Hostname, rec.MsgID, rec.DataSent, rec.FileType, int64(rec.Inode), rec.Mode,
		rec.Atime, rec.Ctime, rec.Mtime, int64(rec.Size),
		rec.Owner, rec.Group, rec.UID, rec.GID, rec.Name, rec.Link, int64(rec.BlockSize),
		s.clock.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read record id: %w", err)
	}

	if len(rec.Hashes) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO record_hashes (record_id, position, hash) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare hash insert: %w", err)
		}
		defer stmt.Close()
		for i, h := range rec.Hashes {
			if _, err := stmt.ExecContext(ctx, id, i, h.String()); err != nil {
				return fmt.Errorf("failed to insert hash %d: %w", i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// StoreChunk inserts data under hash unless a row already exists.
func (s *SQLiteBackend) StoreChunk(ctx context.Context, hash cdp.Hash, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chunks (hash, data, size, stored_at) VALUES (?, ?, ?, ?)`,
		hash.String(), data, len(data), s.clock.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store chunk %s: %w", hash, err)
	}
	return nil
}

// NeededHashes returns the candidates with no row in chunks, querying in
// batches.
func (s *SQLiteBackend) NeededHashes(ctx context.Context, candidates []cdp.Hash) ([]cdp.Hash, error) {
	unique := cdp.HashList(candidates).Unique()
	present := make(map[string]struct{}, len(unique))

	for start := 0; start < len(unique); start += neededBatch {
		end := min(start+neededBatch, len(unique))
		batch := unique[start:end]

		args := make([]any, len(batch))
		for i, h := range batch {
			args[i] = h.String()
		}
		query := `SELECT hash FROM chunks WHERE hash IN (?` + strings.Repeat(",?", len(batch)-1) + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query chunks: %w", err)
		}
		for rows.Next() {
			var hex string
			if err := rows.Scan(&hex); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan chunk hash: %w", err)
			}
			present[hex] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate chunks: %w", err)
		}
	}

	var needed []cdp.Hash
	for _, h := range unique {
		if _, ok := present[h.String()]; !ok {
			needed = append(needed, h)
		}
	}
	return needed, nil
}

// ListFiles returns the host's records for the query owner in insertion
// order, filtered by the optional criteria of q.
func (s *SQLiteBackend) ListFiles(ctx context.Context, q cdp.Query) ([]cdp.HostFileRecord, error) {
	matcher, err := q.Compile()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, hostname, msg_id, data_sent, filetype, inode, mode,
		atime, ctime, mtime, fsize, owner, grp, uid, gid, name, link, blocksize
		FROM records
		WHERE hostname = ? AND uid = ? AND gid = ? AND owner = ? AND grp = ?
		ORDER BY id`,
		q.Hostname, q.UID, q.GID, q.Owner, q.Group)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	var (
		ids     []int64
		records []cdp.HostFileRecord
	)
	for rows.Next() {
		var (
			id                     int64
			rec                    cdp.HostFileRecord
			inode, size, blocksize int64
		)
		err := rows.Scan(&id, &rec.Hostname, &rec.MsgID, &rec.DataSent, &rec.FileType, &inode, &rec.Mode,
			&rec.Atime, &rec.Ctime, &rec.Mtime, &size, &rec.Owner, &rec.Group, &rec.UID, &rec.GID,
			&rec.Name, &rec.Link, &blocksize)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Inode = uint64(inode)
		rec.Size = uint64(size)
		rec.BlockSize = uint64(blocksize)
		if !matcher.Match(&rec) {
			continue
		}
		ids = append(ids, id)
		records = append(records, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	// Hash lists are loaded after the record cursor is closed; an in-memory
	// database has a single connection.
	for i, id := range ids {
		hashes, err := s.recordHashes(ctx, id)
		if err != nil {
			return nil, err
		}
		records[i].Hashes = hashes
	}
	return records, nil
}

func (s *SQLiteBackend) recordHashes(ctx context.Context, id int64) (cdp.HashList, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash FROM record_hashes WHERE record_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashes of record %d: %w", id, err)
	}
	defer rows.Close()

	var hashes cdp.HashList
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		h, err := cdp.ParseHex(hex)
		if err != nil {
			return nil, fmt.Errorf("record %d has a corrupt hash: %w", id, err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// RetrieveChunk returns the bytes stored under hash.
func (s *SQLiteBackend) RetrieveChunk(ctx context.Context, hash cdp.Hash) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM chunks WHERE hash = ?`, hash.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", cdp.ErrChunkNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", hash, err)
	}
	return data, nil
}

// ChunkCount returns the number of stored chunks.
func (s *SQLiteBackend) ChunkCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// Path returns the database path the backend was opened with.
func (s *SQLiteBackend) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

var _ cdp.Backend = (*SQLiteBackend)(nil)
var _ cdp.NeededHashesFinder = (*SQLiteBackend)(nil)
