package backend

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"cdp-go/internal/cdp"
)

const (
	// DefaultFilePrefix is where the file backend stores data when no
	// prefix is configured.
	DefaultFilePrefix = "/var/tmp/cdpfgl/server"

	// DefaultDirLevel is the default number of two-hex-digit directory
	// levels chunks are fanned out into.
	DefaultDirLevel = 2

	doneMarker = ".done"
)

// FileBackendOptions configures a FileBackend.
type FileBackendOptions struct {
	Prefix string

	// DirLevel is the fan-out depth, 2 to 4. Zero means DefaultDirLevel.
	DirLevel int

	// Precreate makes Init create every fan-out directory up front.
	// Otherwise directories are created on demand.
	Precreate bool
}

// FileBackend stores chunks and records as plain files:
//
//	<prefix>/
//	  meta/
//	    <hostname>           (one line per record, appended)
//	  data/
//	    .done                (present once fan-out dirs are created)
//	    <h0h1>/<h2h3>/<hex>  (one file per chunk, named by its hex hash)
type FileBackend struct {
	prefix    string
	metaDir   string
	dataDir   string
	dirLevel  int
	precreate bool
	logger    cdp.Logger

	// metaMu keeps readers from seeing a half-appended record line.
	metaMu sync.RWMutex
}

// NewFileBackend creates a file backend. Nothing touches the disk until
// Init is called.
func NewFileBackend(opts FileBackendOptions, logger cdp.Logger) (*FileBackend, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultFilePrefix
	}
	if logger == nil {
		logger = cdp.NewNopLogger()
	}
	level := opts.DirLevel
	if level == 0 {
		level = DefaultDirLevel
	}
	if level < 2 || level > 4 {
		return nil, fmt.Errorf("dir_level (%d) should be between 2 and 4", level)
	}

	return &FileBackend{
		prefix:    prefix,
		metaDir:   filepath.Join(prefix, "meta"),
		dataDir:   filepath.Join(prefix, "data"),
		dirLevel:  level,
		precreate: opts.Precreate,
		logger:    logger,
	}, nil
}

// Init creates the directory layout. With Precreate set, every fan-out
// directory is created once and a .done marker records that it happened.
func (b *FileBackend) Init(ctx context.Context) error {
	for _, dir := range []string{b.metaDir, b.dataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if !b.precreate {
		return nil
	}

	marker := filepath.Join(b.dataDir, doneMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}

	b.logger.Info("creating chunk directories", "prefix", b.prefix, "dir_level", b.dirLevel)
	total := 1 << (8 * b.dirLevel)
	parts := make([]string, b.dirLevel)
	for i := 0; i < total; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("creating chunk directories: %w", err)
			}
		}
		for p := 0; p < b.dirLevel; p++ {
			shift := 8 * (b.dirLevel - 1 - p)
			parts[p] = fmt.Sprintf("%02x", (i>>shift)&0xff)
		}
		dir := filepath.Join(append([]string{b.dataDir}, parts...)...)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := os.Mkdir(marker, 0755); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("creating %s: %w", marker, err)
	}
	return nil
}

// chunkPath returns the file holding the chunk with the given hash.
func (b *FileBackend) chunkPath(h cdp.Hash) string {
	hex := h.String()
	parts := make([]string, 0, b.dirLevel+2)
	parts = append(parts, b.dataDir)
	for i := 0; i < b.dirLevel; i++ {
		parts = append(parts, hex[2*i:2*i+2])
	}
	parts = append(parts, hex)
	return filepath.Join(parts...)
}

// StoreChunk writes data under hash unless a chunk file already exists.
func (b *FileBackend) StoreChunk(ctx context.Context, hash cdp.Hash, data []byte) error {
	dest := b.chunkPath(hash)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}
	return writeFileAtomic(dest, data)
}

// NeededHashes stats each candidate's chunk file.
func (b *FileBackend) NeededHashes(ctx context.Context, candidates []cdp.Hash) ([]cdp.Hash, error) {
	var needed []cdp.Hash
	for _, h := range cdp.HashList(candidates).Unique() {
		_, err := os.Stat(b.chunkPath(h))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			needed = append(needed, h)
		default:
			return nil, fmt.Errorf("checking chunk %s: %w", h, err)
		}
	}
	return needed, nil
}

// RetrieveChunk reads the chunk file for hash.
func (b *FileBackend) RetrieveChunk(ctx context.Context, hash cdp.Hash) ([]byte, error) {
	data, err := os.ReadFile(b.chunkPath(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", cdp.ErrChunkNotFound, hash)
		}
		return nil, fmt.Errorf("reading chunk %s: %w", hash, err)
	}
	return data, nil
}

// StoreMetadata appends one line describing rec to the host's meta file.
func (b *FileBackend) StoreMetadata(ctx context.Context, rec cdp.HostFileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	line, err := formatRecordLine(&rec.FileMetadata)
	if err != nil {
		return err
	}

	b.metaMu.Lock()
	defer b.metaMu.Unlock()

	path := filepath.Join(b.metaDir, rec.Hostname)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening meta file: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}

// ListFiles reads the host's meta file and returns the matching records.
// Lines that cannot be parsed are logged and skipped.
func (b *FileBackend) ListFiles(ctx context.Context, q cdp.Query) ([]cdp.HostFileRecord, error) {
	matcher, err := q.Compile()
	if err != nil {
		return nil, err
	}
	if err := cdp.ValidateHostname(q.Hostname); err != nil {
		return nil, fmt.Errorf("%w: %v", cdp.ErrMalformedQuery, err)
	}

	b.metaMu.RLock()
	defer b.metaMu.RUnlock()

	path := filepath.Join(b.metaDir, q.Hostname)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening meta file: %w", err)
	}
	defer f.Close()

	var out []cdp.HostFileRecord
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := r.ReadString('\n')
		if line = strings.TrimRight(line, "\n"); line != "" {
			meta, err := parseRecordLine(line)
			if err != nil {
				b.logger.Warn("skipping malformed meta line", "file", path, "line", lineNo, "error", err)
			} else {
				rec := cdp.HostFileRecord{Hostname: q.Hostname, FileMetadata: *meta}
				if matcher.Match(&rec) {
					out = append(out, rec)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("reading %s: %w", path, readErr)
		}
	}
	return out, nil
}

// Close is a no-op; the file backend holds no open handles between calls.
func (b *FileBackend) Close() error { return nil }

// formatRecordLine renders meta as one meta-file line:
//
//	type, inode, mode, atime, ctime, mtime, size, "owner", "group", uid, gid, "b64 name", "b64 link", b64 hash, ...
func formatRecordLine(meta *cdp.FileMetadata) (string, error) {
	for field, v := range map[string]string{"owner": meta.Owner, "group": meta.Group} {
		if strings.ContainsAny(v, ",\"\n") {
			return "", fmt.Errorf("%w: %s %q contains a reserved character", cdp.ErrInvalidRecord, field, v)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d, %d, %d, %d, %d, %d, %d, \"%s\", \"%s\", %d, %d, \"%s\", \"%s\"",
		meta.FileType, meta.Inode, meta.Mode, meta.Atime, meta.Ctime, meta.Mtime, meta.Size,
		meta.Owner, meta.Group, meta.UID, meta.GID,
		base64.StdEncoding.EncodeToString([]byte(meta.Name)),
		base64.StdEncoding.EncodeToString([]byte(meta.Link)))
	for _, h := range meta.Hashes {
		sb.WriteString(", ")
		sb.WriteString(h.Base64())
	}
	sb.WriteByte('\n')
	return sb.String(), nil
}

// parseRecordLine is the inverse of formatRecordLine.
func parseRecordLine(line string) (*cdp.FileMetadata, error) {
	params := strings.SplitN(line, ",", 14)
	if len(params) < 13 {
		return nil, fmt.Errorf("expected at least 13 fields, got %d", len(params))
	}
	for i := range params {
		params[i] = strings.TrimSpace(params[i])
	}

	var ints [11]uint64
	for _, i := range []int{0, 1, 2, 6, 9, 10} {
		v, err := strconv.ParseUint(params[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		ints[i] = v
	}
	var times [3]int64 // atime, ctime, mtime
	for i := range times {
		v, err := strconv.ParseInt(params[3+i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", 3+i, err)
		}
		times[i] = v
	}

	name, err := base64.StdEncoding.DecodeString(unquote(params[11]))
	if err != nil {
		return nil, fmt.Errorf("decoding name: %w", err)
	}
	link, err := base64.StdEncoding.DecodeString(unquote(params[12]))
	if err != nil {
		return nil, fmt.Errorf("decoding link: %w", err)
	}

	meta := &cdp.FileMetadata{
		FileType: cdp.FileType(ints[0]),
		Inode:    ints[1],
		Mode:     uint32(ints[2]),
		Atime:    times[0],
		Ctime:    times[1],
		Mtime:    times[2],
		Size:     ints[6],
		Owner:    unquote(params[7]),
		Group:    unquote(params[8]),
		UID:      uint32(ints[9]),
		GID:      uint32(ints[10]),
		Name:     string(name),
		Link:     string(link),
	}

	if len(params) == 14 && params[13] != "" {
		for _, field := range strings.Split(params[13], ",") {
			h, err := cdp.ParseBase64(strings.TrimSpace(field))
			if err != nil {
				return nil, fmt.Errorf("hash list: %w", err)
			}
			meta.Hashes = append(meta.Hashes, h)
		}
	}
	return meta, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// writeFileAtomic writes data to a temp file next to dest and renames it
// into place, so readers never see a partial chunk.
func writeFileAtomic(dest string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ cdp.Backend = (*FileBackend)(nil)
var _ cdp.NeededHashesFinder = (*FileBackend)(nil)
