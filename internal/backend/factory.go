// Package backend holds the storage backends of the cdp server and the
// decorators layered on top of them.
package backend

import (
	"context"
	"fmt"

	"cdp-go/internal/cdp"
	"cdp-go/internal/config"
	"cdp-go/internal/database"
)

// NewBackendFromConfig creates the backend selected by cfg.Type. The backend
// is not initialized.
func NewBackendFromConfig(ctx context.Context, cfg config.BackendConfig, logger cdp.Logger) (cdp.Backend, error) {
	if logger == nil {
		logger = cdp.NewNopLogger()
	}
	logger = logger.With("backend", cfg.Type)

	switch cfg.Type {
	case "file":
		b, err := NewFileBackend(FileBackendOptions{
			Prefix:    cfg.Prefix,
			DirLevel:  cfg.DirLevel,
			Precreate: cfg.Precreate,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "memory":
		return NewMemoryBackend(), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for sqlite backend")
		}
		b, err := database.NewSQLiteBackend(cfg.Path, nil, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "badger":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for badger backend")
		}
		b, err := NewBadgerBackend(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "s3":
		b, err := NewS3Backend(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3PathStyle,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// Decorate wraps b with the optional layers: sealing first, so the cache
// sits outermost and answers presence without touching sealed data.
func Decorate(ctx context.Context, b cdp.Backend, cache config.CacheConfig, sealer cdp.Sealer, logger cdp.Logger) (cdp.Backend, error) {
	if sealer != nil {
		b = NewSealedBackend(b, sealer)
	}
	if cache.Enabled {
		cached, err := NewCachedBackend(ctx, b, CacheOptions{
			Shards:     cache.Shards,
			LifeWindow: cache.LifeWindow.Duration,
			MaxSizeMB:  cache.MaxSizeMB,
		}, logger)
		if err != nil {
			return nil, err
		}
		b = cached
	}
	return b, nil
}
