//go:build unix

package restore

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"cdp-go/internal/cdp"
)

// applyAttrs sets mode, owner and times on path. Symlinks keep their own
// mode. A refused chown is logged and skipped.
func (r *Restorer) applyAttrs(path string, rec *cdp.HostFileRecord) error {
	if rec.FileType != cdp.FileTypeSymlink {
		if err := unix.Chmod(path, rec.Mode&0o7777); err != nil {
			return fmt.Errorf("setting mode on %s: %w", path, err)
		}
	}

	if err := unix.Lchown(path, int(rec.UID), int(rec.GID)); err != nil {
		if !errors.Is(err, unix.EPERM) {
			return fmt.Errorf("setting owner on %s: %w", path, err)
		}
		r.logger.Warn("cannot restore owner", "path", path, "uid", rec.UID, "gid", rec.GID, "error", err)
	}

	times := []unix.Timespec{
		unix.NsecToTimespec(rec.Atime * 1e9),
		unix.NsecToTimespec(rec.Mtime * 1e9),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("setting times on %s: %w", path, err)
	}
	return nil
}
