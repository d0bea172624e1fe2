package cdp

import (
	"cmp"
	"slices"
)

// DefaultBlockSize is the fixed chunk size used when no adaptive size is
// wanted.
const DefaultBlockSize = 16384

// BlockSizeFor returns the adaptive chunk size for a file of the given
// size. Small files get small chunks so that edits dedup well; large files
// get large chunks so that hash lists stay short.
func BlockSizeFor(size uint64) int {
	switch {
	case size < 32768:
		return 512
	case size < 262144:
		return 2048
	case size < 1048576:
		return 8192
	case size < 8388608:
		return 16384
	case size < 67108864:
		return 65536
	case size < 134217728:
		return 131072
	default:
		return 262144
	}
}

// MaxFetchBatch is the largest batch FetchBatchSize returns, and so the most
// hashes a single fetch may name.
const MaxFetchBatch = 128

// FetchBatchSize returns how many chunks a restore requests at a time for a
// file of the given size, bounding each response to a few megabytes.
func FetchBatchSize(size uint64) int {
	switch {
	case size < 32768:
		return 64
	case size < 8388608:
		return MaxFetchBatch
	case size < 67108864:
		return 64
	case size < 134217728:
		return 32
	default:
		return 16
	}
}

// KeepLatest sorts records by name then mtime and keeps, for each distinct
// name, only the record with the greatest mtime. The input slice is not
// modified.
func KeepLatest(records []HostFileRecord) []HostFileRecord {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b HostFileRecord) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.Mtime, b.Mtime)
	})

	out := make([]HostFileRecord, 0, len(sorted))
	for i := range sorted {
		if i+1 < len(sorted) && sorted[i+1].Name == sorted[i].Name {
			continue
		}
		out = append(out, sorted[i])
	}
	return out
}

// Latest applies KeepLatest and returns the last surviving record.
func Latest(records []HostFileRecord) (HostFileRecord, bool) {
	reduced := KeepLatest(records)
	if len(reduced) == 0 {
		return HostFileRecord{}, false
	}
	return reduced[len(reduced)-1], true
}
