package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdp-go/internal/cdp"
)

// Split cuts data into fixed-size chunks. The last chunk may be shorter.
func Split(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// Hashes returns the hash of every chunk, in order.
func Hashes(chunks [][]byte) cdp.HashList {
	out := make(cdp.HashList, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, cdp.Sum(c))
	}
	return out
}

// NewRecord builds a regular-file record owned by alice:staff (1000:1000)
// whose hash list covers data cut into blockSize chunks.
func NewRecord(hostname, name string, mtime time.Time, data []byte, blockSize int) cdp.HostFileRecord {
	return cdp.HostFileRecord{
		Hostname: hostname,
		FileMetadata: cdp.FileMetadata{
			FileType:  cdp.FileTypeRegular,
			Inode:     42,
			Mode:      0o100644,
			Atime:     mtime.Unix(),
			Ctime:     mtime.Unix(),
			Mtime:     mtime.Unix(),
			Size:      uint64(len(data)),
			Owner:     "alice",
			Group:     "staff",
			UID:       1000,
			GID:       1000,
			Name:      name,
			Hashes:    Hashes(Split(data, blockSize)),
			BlockSize: uint64(blockSize),
		},
	}
}

// OwnerQuery returns the query matching every record NewRecord builds for
// hostname.
func OwnerQuery(hostname string) cdp.Query {
	return cdp.Query{
		Hostname: hostname,
		UID:      1000,
		GID:      1000,
		Owner:    "alice",
		Group:    "staff",
		Location: time.UTC,
	}
}

// WriteTree creates files under root from a map of slash-separated
// relative paths to contents. Paths ending in "/" become directories.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if rel[len(rel)-1] == '/' {
			if err := os.MkdirAll(path, 0o755); err != nil {
				t.Fatalf("mkdir %s: %v", path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}
