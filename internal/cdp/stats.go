package cdp

import "sync/atomic"

// Stats holds server-side counters. All methods are safe for concurrent use.
type Stats struct {
	files         atomic.Uint64
	totalBytes    atomic.Uint64
	receivedBytes atomic.Uint64
	metaBytes     atomic.Uint64
	chunks        atomic.Uint64
	storeErrors   atomic.Uint64
	dropped       atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Files         uint64 `json:"nb_files"`
	TotalBytes    uint64 `json:"nb_total_bytes"`
	DedupBytes    uint64 `json:"nb_dedup_bytes"`
	MetaBytes     uint64 `json:"nb_meta_bytes"`
	ReceivedBytes uint64 `json:"nb_received_bytes"`
	Chunks        uint64 `json:"nb_chunks"`
	StoreErrors   uint64 `json:"nb_store_errors"`
	Dropped       uint64 `json:"nb_dropped"`
}

func NewStats() *Stats { return &Stats{} }

// addFile records an announced file of size bytes whose metadata took
// metaBytes on the wire.
func (s *Stats) addFile(size, metaBytes uint64) {
	s.files.Add(1)
	s.totalBytes.Add(size)
	s.metaBytes.Add(metaBytes)
}

func (s *Stats) addChunk(size uint64) {
	s.chunks.Add(1)
	s.receivedBytes.Add(size)
}

func (s *Stats) addStoreError()      { s.storeErrors.Add(1) }
func (s *Stats) addDropped(n uint64) { s.dropped.Add(n) }

// Snapshot returns the current counter values. DedupBytes is the announced
// file volume that never had to cross the wire.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Files:         s.files.Load(),
		TotalBytes:    s.totalBytes.Load(),
		MetaBytes:     s.metaBytes.Load(),
		ReceivedBytes: s.receivedBytes.Load(),
		Chunks:        s.chunks.Load(),
		StoreErrors:   s.storeErrors.Load(),
		Dropped:       s.dropped.Load(),
	}
	if snap.TotalBytes > snap.ReceivedBytes {
		snap.DedupBytes = snap.TotalBytes - snap.ReceivedBytes
	}
	return snap
}
