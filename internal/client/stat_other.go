//go:build !linux

package client

import (
	"io/fs"
	"os"

	"cdp-go/internal/cdp"
)

// lstat reads what os.Lstat exposes portably. Inode, ownership and the
// access and change times are not available and stay zero or fall back to
// the modification time.
func lstat(path string, owners *ownerCache) (cdp.FileMetadata, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return cdp.FileMetadata{}, err
	}

	mtime := info.ModTime().Unix()
	m := cdp.FileMetadata{
		Mode:  uint32(info.Mode().Perm()),
		Atime: mtime,
		Ctime: mtime,
		Mtime: mtime,
		Size:  uint64(info.Size()),
	}
	switch {
	case info.Mode().IsRegular():
		m.FileType = cdp.FileTypeRegular
		m.Mode |= 0o100000
	case info.IsDir():
		m.FileType = cdp.FileTypeDirectory
		m.Mode |= 0o040000
	case info.Mode()&fs.ModeSymlink != 0:
		m.FileType = cdp.FileTypeSymlink
		m.Mode |= 0o120000
	}
	m.Owner, m.Group = owners.names(m.UID, m.GID)
	return m, nil
}
