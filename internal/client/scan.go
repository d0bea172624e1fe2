package client

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"cdp-go/internal/cdp"
)

// Entry is one filesystem object selected for backup. Meta.Name is the
// absolute path.
type Entry struct {
	Path string
	Meta cdp.FileMetadata
}

// Scanner walks backup roots and reads the metadata of what it finds.
type Scanner struct {
	ignore *IgnoreMatcher
	owners *ownerCache
	logger cdp.Logger
}

// NewScanner creates a Scanner that skips entries matching ignore, in
// addition to the patterns of each root's ignore file.
func NewScanner(ignore []string, logger cdp.Logger) *Scanner {
	if logger == nil {
		logger = cdp.NewNopLogger()
	}
	return &Scanner{
		ignore: NewIgnoreMatcher(append([]string{IgnoreFileName}, ignore...)),
		owners: newOwnerCache(),
		logger: logger,
	}
}

// Scan calls fn for root and, when root is a directory, for what it
// contains: direct children only, or the whole tree when recursive is set.
// Unreadable entries are logged and skipped; devices, sockets and pipes are
// skipped silently.
func (s *Scanner) Scan(ctx context.Context, root string, recursive bool, fn func(Entry) error) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", root, err)
	}

	ignore := s.ignore
	extra, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		s.logger.Warn("ignoring unreadable ignore file", "root", root, "error", err)
	} else if len(extra) > 0 {
		ignore = ignore.With(extra)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			if path == root {
				return err
			}
			s.logger.Warn("skipping unreadable entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel != "." && ignore.Match(rel, d.IsDir()) {
			s.logger.Debug("ignored", "path", path)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entry, ok, err := s.Stat(path)
		if err != nil {
			s.logger.Warn("skipping entry", "path", path, "error", err)
			return nil
		}
		if ok {
			if err := fn(entry); err != nil {
				return err
			}
		}

		if d.IsDir() && path != root && !recursive {
			return filepath.SkipDir
		}
		return nil
	})
}

// Stat reads the metadata of the entry at path. ok is false for file types
// that are not backed up.
func (s *Scanner) Stat(path string) (entry Entry, ok bool, err error) {
	meta, err := lstat(path, s.owners)
	if err != nil {
		return Entry{}, false, err
	}
	if meta.FileType == cdp.FileTypeUnknown {
		s.logger.Debug("skipping special file", "path", path, "mode", fmt.Sprintf("%o", meta.Mode))
		return Entry{}, false, nil
	}

	meta.Name = path
	if meta.FileType == cdp.FileTypeSymlink {
		link, err := os.Readlink(path)
		if err != nil {
			return Entry{}, false, fmt.Errorf("reading link: %w", err)
		}
		meta.Link = link
	}
	return Entry{Path: path, Meta: meta}, true, nil
}
