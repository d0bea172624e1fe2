package cdp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// FileType identifies the kind of filesystem object a FileMetadata describes.
type FileType uint8

const (
	FileTypeUnknown   FileType = 0
	FileTypeRegular   FileType = 1
	FileTypeDirectory FileType = 2
	FileTypeSymlink   FileType = 3
)

func (t FileType) String() string {
	switch t {
	case FileTypeRegular:
		return "file"
	case FileTypeDirectory:
		return "dir"
	case FileTypeSymlink:
		return "link"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// FileMetadata describes one observed version of a file. Concatenating the
// chunks named by Hashes, in order, reproduces the file's content exactly.
// For symlinks Hashes is empty and Link is authoritative.
type FileMetadata struct {
	MsgID     string   `json:"msg_id,omitempty"`
	FileType  FileType `json:"filetype"`
	Inode     uint64   `json:"inode"`
	Mode      uint32   `json:"mode"`
	Atime     int64    `json:"atime"`
	Ctime     int64    `json:"ctime"`
	Mtime     int64    `json:"mtime"`
	Size      uint64   `json:"fsize"`
	Owner     string   `json:"owner"`
	Group     string   `json:"group"`
	UID       uint32   `json:"uid"`
	GID       uint32   `json:"gid"`
	Name      string   `json:"name"`
	Link      string   `json:"link"`
	Hashes    HashList `json:"hash_list"`
	BlockSize uint64   `json:"blocksize,omitempty"`
}

// ModTime returns Mtime as a time.Time in the local zone.
func (m *FileMetadata) ModTime() time.Time { return time.Unix(m.Mtime, 0) }

// AccessTime returns Atime as a time.Time in the local zone.
func (m *FileMetadata) AccessTime() time.Time { return time.Unix(m.Atime, 0) }

// IsSymlink reports whether the metadata describes a symbolic link.
func (m *FileMetadata) IsSymlink() bool {
	return m.FileType == FileTypeSymlink || m.Link != ""
}

// HostFileRecord is one version of one file as known to the server for a
// given host. Records are never mutated; a new version is a new record.
//
// On the wire the metadata fields are flattened next to hostname and
// data_sent, which is also the shape of an announce payload.
type HostFileRecord struct {
	Hostname string `json:"hostname"`
	DataSent bool   `json:"data_sent"`
	FileMetadata
}

// Validate checks the fields a backend relies on to file the record.
func (r *HostFileRecord) Validate() error {
	if err := ValidateHostname(r.Hostname); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: empty file name", ErrInvalidRecord)
	}
	switch r.FileType {
	case FileTypeRegular, FileTypeDirectory:
	case FileTypeSymlink:
		if len(r.Hashes) != 0 {
			return fmt.Errorf("%w: symlink %q carries %d hashes", ErrInvalidRecord, r.Name, len(r.Hashes))
		}
	default:
		return fmt.Errorf("%w: unsupported file type %d", ErrInvalidRecord, r.FileType)
	}
	return nil
}

// ValidateHostname checks that hostname can safely name a file or key
// prefix in a backend.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("empty hostname")
	}
	if strings.ContainsAny(hostname, `/\`+"\x00") || hostname == "." || hostname == ".." {
		return fmt.Errorf("hostname %q is not a plain name", hostname)
	}
	return nil
}

// BaseName returns the last element of the recorded file name.
func (r *HostFileRecord) BaseName() string {
	return filepath.Base(r.Name)
}

// ChunkDescriptor carries one chunk over the wire. Hash is always the
// digest of the uncompressed bytes; Data may be compressed as indicated by
// CmpType, in which case UncmpSize gives the inflated length.
type ChunkDescriptor struct {
	Hash      Hash            `json:"hash"`
	Data      []byte          `json:"data"`
	Size      int64           `json:"size"`
	CmpType   CompressionType `json:"cmptype"`
	UncmpSize int64           `json:"uncmpsize"`
}

// NewChunkDescriptor builds an uncompressed descriptor for data.
func NewChunkDescriptor(data []byte) ChunkDescriptor {
	return ChunkDescriptor{
		Hash:      Sum(data),
		Data:      data,
		Size:      int64(len(data)),
		CmpType:   CompressionNone,
		UncmpSize: int64(len(data)),
	}
}

// UnmarshalJSON accepts "length" as an alias of "size". When neither is
// present the size defaults to the decoded data length.
func (c *ChunkDescriptor) UnmarshalJSON(data []byte) error {
	type plain ChunkDescriptor
	aux := struct {
		*plain
		Size   *int64 `json:"size"`
		Length *int64 `json:"length"`
	}{plain: (*plain)(c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	switch {
	case aux.Size != nil:
		c.Size = *aux.Size
	case aux.Length != nil:
		c.Size = *aux.Length
	default:
		c.Size = int64(len(c.Data))
	}
	if c.CmpType == CompressionNone && c.UncmpSize == 0 {
		c.UncmpSize = c.Size
	}
	return nil
}

// Plain checks the descriptor and returns the uncompressed chunk bytes.
// It verifies the declared size, inflates compressed data, and checks that
// the bytes hash to the declared Hash.
func (c *ChunkDescriptor) Plain() ([]byte, error) {
	if int64(len(c.Data)) != c.Size {
		return nil, fmt.Errorf("%w: data length %d does not match size %d", ErrInvalidChunk, len(c.Data), c.Size)
	}

	data := c.Data
	if c.CmpType != CompressionNone {
		inflated, err := Decompress(c.Data, c.CmpType, c.UncmpSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
		}
		data = inflated
	}

	if got := Sum(data); got != c.Hash {
		return nil, fmt.Errorf("%w: content hashes to %s, declared %s", ErrInvalidChunk, got, c.Hash)
	}
	return data, nil
}
