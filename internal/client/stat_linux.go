//go:build linux

package client

import (
	"io/fs"

	"golang.org/x/sys/unix"

	"cdp-go/internal/cdp"
)

// lstat reads the metadata of path without following a final symlink.
func lstat(path string, owners *ownerCache) (cdp.FileMetadata, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return cdp.FileMetadata{}, &fs.PathError{Op: "lstat", Path: path, Err: err}
	}

	m := cdp.FileMetadata{
		Inode: uint64(st.Ino),
		Mode:  uint32(st.Mode),
		Atime: int64(st.Atim.Sec),
		Ctime: int64(st.Ctim.Sec),
		Mtime: int64(st.Mtim.Sec),
		Size:  uint64(st.Size),
		UID:   st.Uid,
		GID:   st.Gid,
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		m.FileType = cdp.FileTypeRegular
	case unix.S_IFDIR:
		m.FileType = cdp.FileTypeDirectory
	case unix.S_IFLNK:
		m.FileType = cdp.FileTypeSymlink
	default:
		m.FileType = cdp.FileTypeUnknown
	}
	m.Owner, m.Group = owners.names(m.UID, m.GID)
	return m, nil
}
