//go:build !unix

package restore

import (
	"fmt"
	"os"

	"cdp-go/internal/cdp"
)

func (r *Restorer) applyAttrs(path string, rec *cdp.HostFileRecord) error {
	if rec.FileType == cdp.FileTypeSymlink {
		return nil
	}
	if err := os.Chmod(path, os.FileMode(rec.Mode&0o777)); err != nil {
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}
	if err := os.Chtimes(path, rec.AccessTime(), rec.ModTime()); err != nil {
		return fmt.Errorf("setting times on %s: %w", path, err)
	}
	r.logger.Debug("owner not restored on this platform", "path", path)
	return nil
}
