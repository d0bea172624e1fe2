package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cdp-go/internal/cdp"
)

// BackendFactory returns a fresh, initialized backend. The factory is
// responsible for closing it when the test ends.
type BackendFactory func(t *testing.T) cdp.Backend

// RunBackendSuite checks the behavior every cdp.Backend must share.
func RunBackendSuite(t *testing.T, newBackend BackendFactory) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	t.Run("chunk round trip", func(t *testing.T) {
		b := newBackend(t)
		data := []byte("hello dedup world")
		h := cdp.Sum(data)

		if err := b.StoreChunk(ctx, h, data); err != nil {
			t.Fatalf("StoreChunk() error = %v", err)
		}
		got, err := b.RetrieveChunk(ctx, h)
		if err != nil {
			t.Fatalf("RetrieveChunk() error = %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("RetrieveChunk() = %q, want %q", got, data)
		}
	})

	t.Run("storing a present chunk keeps the first bytes", func(t *testing.T) {
		b := newBackend(t)
		data := []byte("first")
		h := cdp.Sum(data)

		if err := b.StoreChunk(ctx, h, data); err != nil {
			t.Fatalf("StoreChunk() error = %v", err)
		}
		if err := b.StoreChunk(ctx, h, []byte("second")); err != nil {
			t.Fatalf("second StoreChunk() error = %v", err)
		}
		got, err := b.RetrieveChunk(ctx, h)
		if err != nil {
			t.Fatalf("RetrieveChunk() error = %v", err)
		}
		if string(got) != "first" {
			t.Errorf("RetrieveChunk() = %q, want %q", got, "first")
		}
	})

	t.Run("empty chunk", func(t *testing.T) {
		b := newBackend(t)
		h := cdp.Sum(nil)

		if err := b.StoreChunk(ctx, h, []byte{}); err != nil {
			t.Fatalf("StoreChunk() error = %v", err)
		}
		got, err := b.RetrieveChunk(ctx, h)
		if err != nil {
			t.Fatalf("RetrieveChunk() error = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("RetrieveChunk() returned %d bytes, want 0", len(got))
		}
	})

	t.Run("missing chunk", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.RetrieveChunk(ctx, cdp.Sum([]byte("never stored")))
		if !errors.Is(err, cdp.ErrChunkNotFound) {
			t.Errorf("RetrieveChunk() error = %v, want ErrChunkNotFound", err)
		}
	})

	t.Run("needed hashes", func(t *testing.T) {
		b := newBackend(t)
		stored := []byte("stored")
		if err := b.StoreChunk(ctx, cdp.Sum(stored), stored); err != nil {
			t.Fatalf("StoreChunk() error = %v", err)
		}

		a, c := cdp.Sum([]byte("a")), cdp.Sum([]byte("c"))
		candidates := []cdp.Hash{a, cdp.Sum(stored), c, a}

		needed, err := cdp.NeededHashes(ctx, b, candidates)
		if err != nil {
			t.Fatalf("NeededHashes() error = %v", err)
		}
		if _, ok := b.(cdp.NeededHashesFinder); !ok {
			want := []cdp.Hash{a, cdp.Sum(stored), c}
			if !equalHashes(needed, want) {
				t.Errorf("NeededHashes() = %v, want all unique candidates %v", needed, want)
			}
			return
		}
		if want := []cdp.Hash{a, c}; !equalHashes(needed, want) {
			t.Errorf("NeededHashes() = %v, want %v", needed, want)
		}
	})

	t.Run("records round trip in order", func(t *testing.T) {
		b := newBackend(t)
		content := bytes.Repeat([]byte("0123456789"), 100)
		first := NewRecord("host1", "/home/alice/a.txt", base, content, 256)
		second := NewRecord("host1", "/home/alice/b.txt", base.Add(time.Hour), []byte("b"), 256)
		other := NewRecord("host2", "/home/alice/a.txt", base, content, 256)

		for _, rec := range []cdp.HostFileRecord{first, second, other} {
			if err := b.StoreMetadata(ctx, rec); err != nil {
				t.Fatalf("StoreMetadata(%s) error = %v", rec.Name, err)
			}
		}

		got, err := b.ListFiles(ctx, OwnerQuery("host1"))
		if err != nil {
			t.Fatalf("ListFiles() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListFiles() returned %d records, want 2", len(got))
		}
		for i, want := range []cdp.HostFileRecord{first, second} {
			assertSameRecord(t, got[i], want)
		}
	})

	t.Run("duplicate records are kept", func(t *testing.T) {
		b := newBackend(t)
		rec := NewRecord("host1", "/tmp/x", base, []byte("x"), 512)
		for range 2 {
			if err := b.StoreMetadata(ctx, rec); err != nil {
				t.Fatalf("StoreMetadata() error = %v", err)
			}
		}
		got, err := b.ListFiles(ctx, OwnerQuery("host1"))
		if err != nil {
			t.Fatalf("ListFiles() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("ListFiles() returned %d records, want 2", len(got))
		}
	})

	t.Run("symlinks and directories", func(t *testing.T) {
		b := newBackend(t)
		link := NewRecord("host1", "/home/alice/link", base, nil, 512)
		link.FileType = cdp.FileTypeSymlink
		link.Link = "/etc/hosts"
		link.Hashes = nil
		dir := NewRecord("host1", "/home/alice", base, nil, 512)
		dir.FileType = cdp.FileTypeDirectory
		dir.Hashes = nil

		for _, rec := range []cdp.HostFileRecord{link, dir} {
			if err := b.StoreMetadata(ctx, rec); err != nil {
				t.Fatalf("StoreMetadata(%s) error = %v", rec.Name, err)
			}
		}
		got, err := b.ListFiles(ctx, OwnerQuery("host1"))
		if err != nil {
			t.Fatalf("ListFiles() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListFiles() returned %d records, want 2", len(got))
		}
		if got[0].Link != "/etc/hosts" || !got[0].IsSymlink() || len(got[0].Hashes) != 0 {
			t.Errorf("symlink came back as %+v", got[0])
		}
		if got[1].FileType != cdp.FileTypeDirectory {
			t.Errorf("directory came back with type %v", got[1].FileType)
		}
	})

	t.Run("query filters", func(t *testing.T) {
		b := newBackend(t)
		recs := []cdp.HostFileRecord{
			NewRecord("host1", "/docs/Report.PDF", time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC), []byte("r"), 512),
			NewRecord("host1", "/docs/notes.txt", time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC), []byte("n"), 512),
			NewRecord("host1", "/docs/old.txt", time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), []byte("o"), 512),
		}
		stranger := NewRecord("host1", "/docs/theirs.txt", base, []byte("s"), 512)
		stranger.UID = 1001
		recs = append(recs, stranger)

		for _, rec := range recs {
			if err := b.StoreMetadata(ctx, rec); err != nil {
				t.Fatalf("StoreMetadata(%s) error = %v", rec.Name, err)
			}
		}

		tests := []struct {
			name  string
			tweak func(q *cdp.Query)
			want  []string
		}{
			{"owner only", func(q *cdp.Query) {}, []string{"/docs/Report.PDF", "/docs/notes.txt", "/docs/old.txt"}},
			{"filename is case-insensitive", func(q *cdp.Query) { q.FilenamePattern = `\.pdf$` }, []string{"/docs/Report.PDF"}},
			{"date prefix", func(q *cdp.Query) { q.Date = "2024-02" }, []string{"/docs/notes.txt"}},
			{"after", func(q *cdp.Query) { q.AfterDate = "2024" }, []string{"/docs/Report.PDF", "/docs/notes.txt"}},
			{"before", func(q *cdp.Query) { q.BeforeDate = "2024-01-10 08" }, []string{"/docs/old.txt"}},
			{"window", func(q *cdp.Query) {
				q.AfterDate = "2024-01-10 08:00:00"
				q.BeforeDate = "2024-02"
			}, []string{"/docs/Report.PDF"}},
			{"other uid", func(q *cdp.Query) { q.UID = 1001 }, []string{"/docs/theirs.txt"}},
			{"unknown host", func(q *cdp.Query) { q.Hostname = "nobody" }, nil},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				q := OwnerQuery("host1")
				tt.tweak(&q)
				got, err := b.ListFiles(ctx, q)
				if err != nil {
					t.Fatalf("ListFiles() error = %v", err)
				}
				var names []string
				for _, r := range got {
					names = append(names, r.Name)
				}
				if fmt.Sprint(names) != fmt.Sprint(tt.want) {
					t.Errorf("ListFiles() names = %v, want %v", names, tt.want)
				}
			})
		}
	})

	t.Run("malformed query", func(t *testing.T) {
		b := newBackend(t)
		q := OwnerQuery("host1")
		q.FilenamePattern = "("
		if _, err := b.ListFiles(ctx, q); !errors.Is(err, cdp.ErrMalformedQuery) {
			t.Errorf("ListFiles() error = %v, want ErrMalformedQuery", err)
		}
	})

	t.Run("readers run alongside the pipeline writers", func(t *testing.T) {
		b := newBackend(t)
		p := cdp.NewPipeline(b, nil, nil)
		if err := p.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer p.Stop()

		const files = 40
		var recs []cdp.HostFileRecord
		var bodies, chunks [][]byte
		for i := range files {
			content := []byte(fmt.Sprintf("file %d body %s", i, bytes.Repeat([]byte{byte(i)}, 300)))
			recs = append(recs, NewRecord("host1", fmt.Sprintf("/srv/f%02d", i), base.Add(time.Duration(i)*time.Minute), content, 128))
			bodies = append(bodies, content)
			chunks = append(chunks, Split(content, 128)...)
		}
		all := Hashes(chunks)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for r := range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; ; n++ {
					select {
					case <-stop:
						return
					default:
					}
					if _, err := cdp.NeededHashes(ctx, b, all); err != nil {
						t.Errorf("reader %d: NeededHashes() error = %v", r, err)
						return
					}
					if _, err := b.ListFiles(ctx, OwnerQuery("host1")); err != nil {
						t.Errorf("reader %d: ListFiles() error = %v", r, err)
						return
					}
					if _, err := b.RetrieveChunk(ctx, all[(n+r)%len(all)]); err != nil && !errors.Is(err, cdp.ErrChunkNotFound) {
						t.Errorf("reader %d: RetrieveChunk() error = %v", r, err)
						return
					}
				}
			}()
		}

		for i, rec := range recs {
			for _, c := range Split(bodies[i], 128) {
				p.EnqueueChunk(cdp.Sum(c), c)
			}
			p.EnqueueMetadata(rec)
		}

		flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		flushErr := p.Flush(flushCtx)
		close(stop)
		wg.Wait()
		if flushErr != nil {
			t.Fatalf("Flush() error = %v", flushErr)
		}

		if _, ok := b.(cdp.NeededHashesFinder); ok {
			needed, err := cdp.NeededHashes(ctx, b, all)
			if err != nil {
				t.Fatalf("NeededHashes() error = %v", err)
			}
			if len(needed) != 0 {
				t.Errorf("NeededHashes() after flush = %d hashes, want none", len(needed))
			}
		}
		got, err := b.ListFiles(ctx, OwnerQuery("host1"))
		if err != nil {
			t.Fatalf("ListFiles() error = %v", err)
		}
		if len(got) != files {
			t.Fatalf("ListFiles() returned %d records, want %d", len(got), files)
		}
		for i := range recs {
			assertSameRecord(t, got[i], recs[i])
		}
		for i, c := range chunks {
			data, err := b.RetrieveChunk(ctx, cdp.Sum(c))
			if err != nil {
				t.Fatalf("RetrieveChunk(chunk %d) error = %v", i, err)
			}
			if !bytes.Equal(data, c) {
				t.Errorf("chunk %d came back as %d bytes, want %d", i, len(data), len(c))
			}
		}
	})

	t.Run("invalid record is rejected", func(t *testing.T) {
		b := newBackend(t)
		rec := NewRecord("", "/x", base, []byte("x"), 512)
		if err := b.StoreMetadata(ctx, rec); !errors.Is(err, cdp.ErrInvalidRecord) {
			t.Errorf("StoreMetadata() error = %v, want ErrInvalidRecord", err)
		}
	})
}

func equalHashes(a, b []cdp.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// assertSameRecord compares the fields every backend persists.
func assertSameRecord(t *testing.T, got, want cdp.HostFileRecord) {
	t.Helper()

	if got.Hostname != want.Hostname || got.Name != want.Name || got.FileType != want.FileType {
		t.Errorf("record identity = (%s, %s, %v), want (%s, %s, %v)",
			got.Hostname, got.Name, got.FileType, want.Hostname, want.Name, want.FileType)
	}
	if got.Mtime != want.Mtime || got.Atime != want.Atime || got.Ctime != want.Ctime {
		t.Errorf("%s: times = %d/%d/%d, want %d/%d/%d", want.Name,
			got.Atime, got.Ctime, got.Mtime, want.Atime, want.Ctime, want.Mtime)
	}
	if got.Size != want.Size || got.Mode != want.Mode || got.Inode != want.Inode {
		t.Errorf("%s: size/mode/inode = %d/%o/%d, want %d/%o/%d", want.Name,
			got.Size, got.Mode, got.Inode, want.Size, want.Mode, want.Inode)
	}
	if got.Owner != want.Owner || got.Group != want.Group || got.UID != want.UID || got.GID != want.GID {
		t.Errorf("%s: ownership = %s:%s %d:%d, want %s:%s %d:%d", want.Name,
			got.Owner, got.Group, got.UID, got.GID, want.Owner, want.Group, want.UID, want.GID)
	}
	if !equalHashes(got.Hashes, want.Hashes) {
		t.Errorf("%s: hash list has %d entries, want %d (or differs)", want.Name, len(got.Hashes), len(want.Hashes))
	}
}
