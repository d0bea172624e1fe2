package restore_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdp-go/internal/backend"
	"cdp-go/internal/cdp"
	"cdp-go/internal/client"
	"cdp-go/internal/restore"
	"cdp-go/internal/server"
	"cdp-go/internal/testutil"
	"cdp-go/internal/version"
)

func TestBackupThenRestore(t *testing.T) {
	ctx := context.Background()

	mem := backend.NewMemoryBackend()
	p := cdp.NewPipeline(mem, nil, nil)
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Stop() })
	ts := httptest.NewServer(server.New(cdp.NewService(mem, p, nil, nil), p, version.Get(), nil).Handler())
	t.Cleanup(ts.Close)

	c, err := client.New(ts.URL, 10*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	data := randomData(42, 3<<20)
	path := filepath.Join(src, "disk.img")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Date(2023, 6, 1, 8, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	b, err := client.NewBackup(c, client.NewScanner(nil, nil), client.BackupOptions{
		Hostname:    "laptop",
		Chunker:     client.NewCDCChunker(),
		Compression: cdp.CompressionZstd,
		SegmentSize: 1 << 20,
	}, testutil.NewStubIDGenerator(""), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(ctx, []string{path}, false); err != nil {
		t.Fatalf("backup: %v", err)
	}
	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.Flush(flushCtx); err != nil {
		t.Fatal(err)
	}

	q, err := client.CurrentUserQuery("laptop")
	if err != nil {
		t.Fatal(err)
	}
	q.FilenamePattern = `disk\.img$`

	where := t.TempDir()
	dest, err := restore.New(c, nil).Restore(ctx, q, where)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("restored file differs from the original")
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 || !info.ModTime().Equal(old) {
		t.Errorf("restored mode %v mtime %v, want 0600 and %v", info.Mode(), info.ModTime(), old)
	}
}
