package backend_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"cdp-go/internal/backend"
	"cdp-go/internal/cdp"
	"cdp-go/internal/config"
	"cdp-go/internal/encryption"
)

// countingBackend counts NeededHashes candidates reaching the memory
// backend.
type countingBackend struct {
	*backend.MemoryBackend
	mu     sync.Mutex
	lookup int
}

func (c *countingBackend) NeededHashes(ctx context.Context, candidates []cdp.Hash) ([]cdp.Hash, error) {
	c.mu.Lock()
	c.lookup += len(candidates)
	c.mu.Unlock()
	return c.MemoryBackend.NeededHashes(ctx, candidates)
}

func TestCachedBackend_AvoidsInnerLookups(t *testing.T) {
	ctx := context.Background()
	inner := &countingBackend{MemoryBackend: backend.NewMemoryBackend()}
	b, err := backend.NewCachedBackend(ctx, inner, backend.DefaultCacheOptions(), nil)
	if err != nil {
		t.Fatalf("NewCachedBackend() error = %v", err)
	}
	defer b.Close()

	a, c := []byte("a"), []byte("c")
	if err := b.StoreChunk(ctx, cdp.Sum(a), a); err != nil {
		t.Fatal(err)
	}

	needed, err := b.NeededHashes(ctx, []cdp.Hash{cdp.Sum(a), cdp.Sum(c)})
	if err != nil {
		t.Fatal(err)
	}
	if len(needed) != 1 || needed[0] != cdp.Sum(c) {
		t.Errorf("NeededHashes() = %v, want [%s]", needed, cdp.Sum(c))
	}
	if inner.lookup != 1 {
		t.Errorf("inner backend was asked about %d hashes, want 1", inner.lookup)
	}

	// c is stored behind the cache's back; the miss is not cached, so the
	// next call asks again and then remembers it.
	if err := inner.StoreChunk(ctx, cdp.Sum(c), c); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		needed, err = b.NeededHashes(ctx, []cdp.Hash{cdp.Sum(a), cdp.Sum(c)})
		if err != nil {
			t.Fatal(err)
		}
		if len(needed) != 0 {
			t.Errorf("NeededHashes() = %v, want none", needed)
		}
	}
	if inner.lookup != 2 {
		t.Errorf("inner backend was asked about %d hashes in total, want 2", inner.lookup)
	}
	if b.Len() != 2 {
		t.Errorf("cache holds %d hashes, want 2", b.Len())
	}
}

func TestSealedBackend_StoresSealedBytes(t *testing.T) {
	ctx := context.Background()
	inner := backend.NewMemoryBackend()
	b := backend.NewSealedBackend(inner, encryption.NewTestSealer())

	data := []byte("secret")
	h := cdp.Sum(data)
	if err := b.StoreChunk(ctx, h, data); err != nil {
		t.Fatal(err)
	}

	raw, err := inner.RetrieveChunk(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(raw, data) {
		t.Error("inner backend holds the plain bytes")
	}

	got, err := b.RetrieveChunk(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("RetrieveChunk() = %q, want %q", got, data)
	}
}

func TestSealedBackend_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	inner := backend.NewMemoryBackend()
	sealer := encryption.NewTestSealer()
	b := backend.NewSealedBackend(inner, sealer)

	h := cdp.Sum([]byte("original"))
	forged, _ := sealer.Seal([]byte("forged"))
	if err := inner.StoreChunk(ctx, h, forged); err != nil {
		t.Fatal(err)
	}
	if _, err := b.RetrieveChunk(ctx, h); !errors.Is(err, cdp.ErrInvalidChunk) {
		t.Errorf("RetrieveChunk() error = %v, want ErrInvalidChunk", err)
	}
}

func TestNewBackendFromConfig(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		cfg     config.BackendConfig
		want    string
		wantErr bool
	}{
		{"memory", config.BackendConfig{Type: "memory"}, "*backend.MemoryBackend", false},
		{"file", config.BackendConfig{Type: "file", Prefix: t.TempDir()}, "*backend.FileBackend", false},
		{"file bad level", config.BackendConfig{Type: "file", Prefix: t.TempDir(), DirLevel: 9}, "", true},
		{"sqlite", config.BackendConfig{Type: "sqlite", Path: t.TempDir() + "/cdp.db"}, "*database.SQLiteBackend", false},
		{"sqlite without path", config.BackendConfig{Type: "sqlite"}, "", true},
		{"badger", config.BackendConfig{Type: "badger", Path: t.TempDir()}, "*backend.BadgerBackend", false},
		{"badger without path", config.BackendConfig{Type: "badger"}, "", true},
		{"s3 without bucket", config.BackendConfig{Type: "s3"}, "", true},
		{"unknown", config.BackendConfig{Type: "tape"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := backend.NewBackendFromConfig(ctx, tt.cfg, nil)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %T", got)
				}
				if got != nil {
					t.Error("NewBackendFromConfig() should return nil on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBackendFromConfig() error = %v", err)
			}
			defer got.Close()
			if typeName(got) != tt.want {
				t.Errorf("NewBackendFromConfig() = %s, want %s", typeName(got), tt.want)
			}
		})
	}
}

func TestDecorate(t *testing.T) {
	ctx := context.Background()

	plain, err := backend.Decorate(ctx, backend.NewMemoryBackend(), config.CacheConfig{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if typeName(plain) != "*backend.MemoryBackend" {
		t.Errorf("undecorated backend = %s", typeName(plain))
	}

	full, err := backend.Decorate(ctx, backend.NewMemoryBackend(), config.CacheConfig{Enabled: true}, encryption.NewTestSealer(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer full.Close()
	cached, ok := full.(*backend.CachedBackend)
	if !ok {
		t.Fatalf("outermost layer = %s, want *backend.CachedBackend", typeName(full))
	}
	if _, ok := cached.Backend.(*backend.SealedBackend); !ok {
		t.Errorf("cache wraps %s, want *backend.SealedBackend", typeName(cached.Backend))
	}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
