// Package restore rebuilds backed-up files from the chunks a server holds.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cdp-go/internal/cdp"
)

// ErrNoMatch is returned by Restore when the query selects no record.
var ErrNoMatch = errors.New("no backed-up file matches the query")

// Fetcher is the part of the server protocol a restore needs. *client.Client
// implements it.
type Fetcher interface {
	List(ctx context.Context, q cdp.Query) ([]cdp.HostFileRecord, error)
	Chunk(ctx context.Context, hash cdp.Hash) (cdp.ChunkDescriptor, error)
	Chunks(ctx context.Context, hashes []cdp.Hash) ([]cdp.ChunkDescriptor, error)
}

// Restorer lists and rebuilds files recorded on a server.
type Restorer struct {
	fetcher Fetcher
	logger  cdp.Logger
}

// New creates a Restorer.
func New(fetcher Fetcher, logger cdp.Logger) *Restorer {
	if logger == nil {
		logger = cdp.NewNopLogger()
	}
	return &Restorer{fetcher: fetcher, logger: logger}
}

// List returns the latest version of every file matching q, sorted by name.
func (r *Restorer) List(ctx context.Context, q cdp.Query) ([]cdp.HostFileRecord, error) {
	records, err := r.fetcher.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return cdp.KeepLatest(records), nil
}

// Restore rebuilds the last file selected by q and returns the path it was
// written to. See Destination for where that is.
func (r *Restorer) Restore(ctx context.Context, q cdp.Query, where string) (string, error) {
	records, err := r.fetcher.List(ctx, q)
	if err != nil {
		return "", fmt.Errorf("listing files: %w", err)
	}
	rec, ok := cdp.Latest(records)
	if !ok {
		return "", ErrNoMatch
	}

	dest, err := Destination(&rec, where)
	if err != nil {
		return "", err
	}
	r.logger.Info("restore started", "name", rec.Name, "type", rec.FileType.String(), "dest", dest)

	switch rec.FileType {
	case cdp.FileTypeSymlink:
		err = r.restoreSymlink(&rec, dest)
	case cdp.FileTypeDirectory:
		err = r.restoreDirectory(&rec, dest)
	case cdp.FileTypeRegular:
		err = r.restoreFile(ctx, &rec, dest)
	default:
		err = fmt.Errorf("cannot restore %s: unsupported file type %s", rec.Name, rec.FileType)
	}
	if err != nil {
		return "", err
	}

	r.logger.Info("file restored", "name", rec.Name, "dest", dest)
	return dest, nil
}

// Destination returns <where>/<basename> when where is an existing
// directory and <cwd>/<basename> otherwise.
func Destination(rec *cdp.HostFileRecord, where string) (string, error) {
	base := rec.BaseName()
	if base == string(filepath.Separator) || base == "." || base == ".." {
		return "", fmt.Errorf("cannot restore %q: no base name", rec.Name)
	}

	if where != "" {
		if info, err := os.Stat(where); err == nil && info.IsDir() {
			return filepath.Join(where, base), nil
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return filepath.Join(cwd, base), nil
}

func (r *Restorer) restoreSymlink(rec *cdp.HostFileRecord, dest string) error {
	if info, err := os.Lstat(dest); err == nil {
		if info.IsDir() {
			return fmt.Errorf("cannot restore link %s: %s is a directory", rec.Name, dest)
		}
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("replacing %s: %w", dest, err)
		}
	}
	if err := os.Symlink(rec.Link, dest); err != nil {
		return fmt.Errorf("creating link: %w", err)
	}
	return r.applyAttrs(dest, rec)
}

func (r *Restorer) restoreDirectory(rec *cdp.HostFileRecord, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return r.applyAttrs(dest, rec)
}

// restoreFile writes the chunks into a temporary file next to dest and
// renames it into place once every chunk has been verified.
func (r *Restorer) restoreFile(ctx context.Context, rec *cdp.HostFileRecord, dest string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".cdp-*")
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	hashes := rec.Hashes
	batch := cdp.FetchBatchSize(rec.Size)
	var written uint64
	for start := 0; start < len(hashes); start += batch {
		end := min(start+batch, len(hashes))
		descs, err := r.fetch(ctx, hashes[start:end])
		if err != nil {
			return fmt.Errorf("fetching chunks %d-%d of %s: %w", start+1, end, rec.Name, err)
		}
		if len(descs) != end-start {
			return fmt.Errorf("fetching chunks %d-%d of %s: got %d chunks", start+1, end, rec.Name, len(descs))
		}
		for i := range descs {
			want := hashes[start+i]
			if descs[i].Hash != want {
				return fmt.Errorf("chunk %s: server answered with %s", want, descs[i].Hash)
			}
			data, err := descs[i].Plain()
			if err != nil {
				return fmt.Errorf("chunk %s: %w", want, err)
			}
			if _, err := tmp.Write(data); err != nil {
				return fmt.Errorf("writing %s: %w", dest, err)
			}
			written += uint64(len(data))
		}
		r.logger.Debug("chunks written", "name", rec.Name, "done", end, "total", len(hashes))
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if written != rec.Size {
		r.logger.Warn("restored size differs from record", "name", rec.Name, "written", written, "recorded", rec.Size)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("moving restored file into place: %w", err)
	}
	return r.applyAttrs(dest, rec)
}

func (r *Restorer) fetch(ctx context.Context, hashes []cdp.Hash) ([]cdp.ChunkDescriptor, error) {
	if len(hashes) == 1 {
		desc, err := r.fetcher.Chunk(ctx, hashes[0])
		if err != nil {
			return nil, err
		}
		return []cdp.ChunkDescriptor{desc}, nil
	}
	return r.fetcher.Chunks(ctx, hashes)
}

// FormatRecord renders one listing line: name, mtime, size and type.
func FormatRecord(rec *cdp.HostFileRecord, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	mtime := time.Unix(rec.Mtime, 0).In(loc).Format(time.DateTime)
	return fmt.Sprintf("%s  %s  %d  %s", rec.Name, mtime, rec.Size, rec.FileType)
}
