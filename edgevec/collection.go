// Package edgevec is the public surface of the embedded vector database: a
// single opaque Collection handle wrapping an HNSW index, its metadata
// store, and the filter/snapshot machinery underneath it.
package edgevec

import (
	"io"
	"time"

	"github.com/matte1782/edgevec/internal/filter"
	"github.com/matte1782/edgevec/internal/index/hnsw"
	"github.com/matte1782/edgevec/internal/obs"
	"github.com/matte1782/edgevec/internal/storage"
)

// Collection is a single HNSW index instrumented with Prometheus metrics.
// Mutations (Insert, SoftDelete, Compact, SetEfSearch) take the index's
// write lock; searches take its read lock. There is no separate locking at
// this layer — hnsw.Index already serializes writers against readers.
type Collection struct {
	index   *hnsw.Index
	metrics *obs.Metrics
}

// New creates an empty collection for vectors of the given dimension,
// applying opts over hnsw.DefaultConfig(dimension).
func New(dimension int, opts ...Option) (*Collection, error) {
	config := hnsw.DefaultConfig(dimension)
	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	idx, err := hnsw.NewIndex(config)
	if err != nil {
		return nil, internalError("failed to create index", err)
	}

	return &Collection{index: idx, metrics: obs.NewMetrics()}, nil
}

// Insert validates and adds vec, returning its new VectorId.
func (c *Collection) Insert(vec []float32) (VectorId, error) {
	id, err := c.index.Insert(vec)
	if err != nil {
		return 0, translateError(err)
	}
	c.metrics.VectorInserts.Inc()
	return id, nil
}

// InsertWithMetadata inserts vec and attaches an arbitrary metadata value
// to the new id in the same critical section.
func (c *Collection) InsertWithMetadata(vec []float32, value interface{}) (VectorId, error) {
	id, err := c.index.InsertWithMetadata(vec, value)
	if err != nil {
		return 0, translateError(err)
	}
	c.metrics.VectorInserts.Inc()
	return id, nil
}

// BatchInsert performs best-effort insertion: failures on individual items
// are collected in skipped and the batch continues.
func (c *Collection) BatchInsert(vecs [][]float32) (inserted []VectorId, skipped []SkipReason) {
	inserted, skipped = c.index.BatchInsert(vecs)
	c.metrics.VectorInserts.Add(float64(len(inserted)))
	return inserted, skipped
}

// SoftDelete tombstones id. Returns false if it was already deleted.
func (c *Collection) SoftDelete(id VectorId) (bool, error) {
	alreadyDeleted := c.index.IsDeleted(id)
	if err := c.index.SoftDelete(id); err != nil {
		return false, translateError(err)
	}
	c.metrics.DeleteOps.Inc()
	return !alreadyDeleted, nil
}

// IsDeleted reports whether id is tombstoned.
func (c *Collection) IsDeleted(id VectorId) bool {
	return c.index.IsDeleted(id)
}

// Compact rebuilds the index over its live subset, discarding tombstones
// and remapping every surviving id.
func (c *Collection) Compact() (*CompactionResult, map[VectorId]VectorId, error) {
	start := time.Now()
	defer func() { c.metrics.CompactLatency.Observe(time.Since(start).Seconds()) }()

	result, perm, err := c.index.Compact()
	if err != nil {
		return nil, nil, translateError(err)
	}
	c.metrics.CompactionOps.Inc()
	return result, perm, nil
}

// NeedsCompaction reports whether the tombstone ratio has crossed the
// configured compaction threshold.
func (c *Collection) NeedsCompaction() bool {
	return c.index.NeedsCompaction()
}

// Search performs an unfiltered top-k nearest-neighbor query using the
// collection's default ef_search.
func (c *Collection) Search(query []float32, k int) ([]SearchResult, error) {
	return c.search(func() ([]hnsw.SearchResult, error) {
		return c.index.Search(query, k, 0)
	})
}

// SearchWithEf is Search with an explicit ef_search override.
func (c *Collection) SearchWithEf(query []float32, k, efSearch int) ([]SearchResult, error) {
	return c.search(func() ([]hnsw.SearchResult, error) {
		return c.index.Search(query, k, efSearch)
	})
}

// SearchFiltered parses filterText (the grammar in internal/filter) and
// runs a filtered top-k query, picking among bypass/prefilter/hybrid/
// postfilter/empty strategies by estimated selectivity.
func (c *Collection) SearchFiltered(query []float32, k int, filterText string) ([]SearchResult, error) {
	expr, err := filter.Parse(filterText)
	if err != nil {
		return nil, translateError(err)
	}
	return c.search(func() ([]hnsw.SearchResult, error) {
		return c.index.SearchFiltered(query, k, 0, expr)
	})
}

// SearchBQ ranks candidates by Hamming distance over the binary-quantized
// codes, then exactly rescores the top k*rescoreFactor before returning the
// top k. Requires the collection to have been created WithBinaryQuantization.
func (c *Collection) SearchBQ(query []float32, k, rescoreFactor int) ([]SearchResult, error) {
	return c.search(func() ([]hnsw.SearchResult, error) {
		return c.index.SearchBQ(query, k, rescoreFactor)
	})
}

func (c *Collection) search(run func() ([]hnsw.SearchResult, error)) ([]SearchResult, error) {
	start := time.Now()
	defer func() { c.metrics.SearchLatency.Observe(time.Since(start).Seconds()) }()

	res, err := run()
	if err != nil {
		c.metrics.SearchErrors.Inc()
		return nil, translateError(err)
	}
	c.metrics.SearchQueries.Inc()

	out := make([]SearchResult, len(res))
	for i, r := range res {
		out[i] = SearchResult{ID: r.ID, Distance: r.Distance}
	}
	return out, nil
}

// SetEfSearch overrides the default ef_search beam width used by Search and
// SearchFiltered.
func (c *Collection) SetEfSearch(ef int) error {
	if err := c.index.SetEfSearch(ef); err != nil {
		return translateError(err)
	}
	return nil
}

// Stats reports the current collection state.
func (c *Collection) Stats() Stats {
	s := c.index.Stats()
	return Stats{
		LiveCount:      s.LiveCount,
		DeletedCount:   s.DeletedCount,
		TombstoneRatio: s.TombstoneRatio,
		MemoryBytes:    s.MemoryBytes,
		EntryPoint:     s.EntryPoint,
		HasEntryPoint:  s.HasEntryPoint,
	}
}

// Save writes the collection's snapshot to w in the versioned on-disk
// format described in the snapshot codec.
func (c *Collection) Save(w io.Writer) error {
	if err := c.index.Save(w); err != nil {
		return translateError(err)
	}
	return nil
}

// SaveToFile atomically writes the snapshot to path via a temp-file-then-
// rename so a crash mid-write never leaves a corrupt file at path.
func (c *Collection) SaveToFile(path string) error {
	if err := c.index.SaveToFile(path); err != nil {
		return translateError(err)
	}
	return nil
}

// Load reads a collection back from a snapshot produced by Save.
func Load(r io.Reader) (*Collection, error) {
	idx, err := hnsw.Load(r)
	if err != nil {
		return nil, translateError(err)
	}
	return &Collection{index: idx, metrics: obs.NewMetrics()}, nil
}

// LoadFromFile reads a collection back from a snapshot file produced by
// SaveToFile.
func LoadFromFile(path string) (*Collection, error) {
	idx, err := hnsw.LoadFromFile(path)
	if err != nil {
		return nil, translateError(err)
	}
	return &Collection{index: idx, metrics: obs.NewMetrics()}, nil
}

// translateError maps an internal package error onto the closed public
// taxonomy in errors.go, never letting an internal type escape the package
// boundary.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *storage.DimensionMismatchError:
		return dimensionMismatchError(e.Expected, e.Got)
	case *storage.InvalidVectorError:
		return invalidVectorError(e.Reason)
	case *storage.InvalidIdError:
		return invalidIdError(e.ID)
	case *filter.ParseError:
		if e.Kind == "DepthLimitExceeded" {
			return filterDepthError(filter.DefaultMaxDepth)
		}
		return filterParseError(e.Pos, e.Message)
	case *hnsw.AlignmentError:
		return alignmentError(e.Context, nil)
	case *hnsw.CorruptedSnapshotError:
		return corruptedSnapshotError(nil)
	case *hnsw.UnsupportedVersionError:
		return unsupportedVersionError(e.Major, e.Minor)
	case *hnsw.UnsupportedOperationError:
		return internalError(e.Error(), nil)
	default:
		return internalError(err.Error(), err)
	}
}
