// Package edgevec is the public surface of the embedded vector database: a
// single opaque Collection handle wrapping an HNSW index, its metadata
// store, and the filter/snapshot machinery underneath it.
package edgevec

import (
	"github.com/matte1782/edgevec/internal/index/hnsw"
	"github.com/matte1782/edgevec/internal/storage"
)

// VectorId is a dense, 32-bit identifier assigned on insertion. See
// internal/storage for the allocation and compaction rules it follows.
type VectorId = storage.VectorId

// SearchResult is one ranked hit: id and its distance under the
// collection's configured metric. SearchBQ results carry the exact
// rescored distance too, not the Hamming distance used to pre-rank them.
type SearchResult struct {
	ID       VectorId
	Distance float32
}

// SkipReason explains why one item of a BatchInsert was not inserted.
type SkipReason = hnsw.SkipReason

// CompactionResult reports the effect of a Compact call.
type CompactionResult = hnsw.CompactionResult

// Stats is the host-facing snapshot of collection state.
type Stats struct {
	LiveCount      int
	DeletedCount   int
	TombstoneRatio float64
	MemoryBytes    int64
	EntryPoint     VectorId
	HasEntryPoint  bool
}
