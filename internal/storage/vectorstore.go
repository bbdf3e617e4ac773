// Package storage holds the two parallel arenas behind an EdgeVec index:
// the full-precision f32 vectors and, optionally, their binary-quantized
// codes, plus the deletion bitmap shared by both.
package storage

import (
	"fmt"
	"math"

	"github.com/matte1782/edgevec/internal/quant"
	"github.com/matte1782/edgevec/internal/util"
)

// VectorId is a dense, 32-bit unsigned integer assigned on insertion. It is
// never reused within a generation; Compact() creates a new generation with
// a fresh 0..N range and returns the old->new mapping.
type VectorId = uint32

// VectorStore owns the f32 arena, the optional binary-code arena, and the
// deletion bitmap for a single index generation.
type VectorStore struct {
	dimension int
	metric    util.DistanceMetric
	bqEnabled bool

	vectors [][]float32
	codes   [][]byte
	deleted []bool

	liveCount    int
	deletedCount int
}

// NewVectorStore creates an empty store for vectors of the given dimension
// and metric; bqEnabled mirrors HnswConfig.bq_enabled.
func NewVectorStore(dimension int, metric util.DistanceMetric, bqEnabled bool) *VectorStore {
	return &VectorStore{
		dimension: dimension,
		metric:    metric,
		bqEnabled: bqEnabled,
	}
}

// Insert validates and appends vec, returning its new VectorId. If BQ is
// enabled, the binary code is computed and appended in the same call so the
// two arenas never drift apart (invariant I5).
func (s *VectorStore) Insert(vec []float32) (VectorId, error) {
	if len(vec) != s.dimension {
		return 0, &DimensionMismatchError{Expected: s.dimension, Got: len(vec)}
	}

	for _, c := range vec {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return 0, &InvalidVectorError{Reason: "vector contains NaN or infinite component"}
		}
	}

	if s.metric == util.CosineDistance && isZeroVector(vec) {
		return 0, &InvalidVectorError{Reason: "zero vector is undefined under cosine metric"}
	}

	stored := make([]float32, len(vec))
	copy(stored, vec)

	id := VectorId(len(s.vectors))
	s.vectors = append(s.vectors, stored)
	s.deleted = append(s.deleted, false)
	s.liveCount++

	if s.bqEnabled {
		s.codes = append(s.codes, quant.EncodeBinaryCode(stored))
	}

	return id, nil
}

// InsertRaw appends vec without any of Insert's validation, assigning the
// next sequential VectorId. Used only by the snapshot loader to restore
// vectors that were already validated when the snapshot was written.
func (s *VectorStore) InsertRaw(vec []float32) (VectorId, error) {
	id := VectorId(len(s.vectors))
	s.vectors = append(s.vectors, vec)
	s.deleted = append(s.deleted, false)
	s.liveCount++
	if s.bqEnabled {
		s.codes = append(s.codes, nil)
	}
	return id, nil
}

// SetCodeRaw installs a precomputed binary code for id, overwriting
// whatever InsertRaw populated. Used only by the snapshot loader.
func (s *VectorStore) SetCodeRaw(id VectorId, code []byte) {
	if int(id) < len(s.codes) {
		s.codes[id] = code
	}
}

func isZeroVector(v []float32) bool {
	for _, c := range v {
		if c != 0 {
			return false
		}
	}
	return true
}

// Get returns the full-precision vector for id.
func (s *VectorStore) Get(id VectorId) ([]float32, error) {
	if int(id) >= len(s.vectors) {
		return nil, &InvalidIdError{ID: id}
	}
	return s.vectors[id], nil
}

// GetCode returns the packed binary code for id. Only valid when BQ is
// enabled.
func (s *VectorStore) GetCode(id VectorId) ([]byte, error) {
	if int(id) >= len(s.codes) {
		return nil, &InvalidIdError{ID: id}
	}
	return s.codes[id], nil
}

// Count returns the total number of ids ever assigned in this generation,
// live or tombstoned.
func (s *VectorStore) Count() int {
	return len(s.vectors)
}

// MarkDeleted tombstones id. Returns false if it was already deleted.
func (s *VectorStore) MarkDeleted(id VectorId) bool {
	if int(id) >= len(s.deleted) || s.deleted[id] {
		return false
	}
	s.deleted[id] = true
	s.liveCount--
	s.deletedCount++
	return true
}

// IsDeleted reports whether id is tombstoned.
func (s *VectorStore) IsDeleted(id VectorId) bool {
	if int(id) >= len(s.deleted) {
		return true
	}
	return s.deleted[id]
}

// LiveCount returns the number of non-tombstoned ids.
func (s *VectorStore) LiveCount() int { return s.liveCount }

// DeletedCount returns the number of tombstoned ids.
func (s *VectorStore) DeletedCount() int { return s.deletedCount }

// TombstoneRatio returns deleted/count, or 0 for an empty store.
func (s *VectorStore) TombstoneRatio() float64 {
	if len(s.vectors) == 0 {
		return 0
	}
	return float64(s.deletedCount) / float64(len(s.vectors))
}

// BQEnabled reports whether this store maintains binary codes.
func (s *VectorStore) BQEnabled() bool { return s.bqEnabled }

// Dimension returns the fixed vector dimension.
func (s *VectorStore) Dimension() int { return s.dimension }

// Compact rebuilds both arenas from the live subset in ascending id order
// and returns the old->new VectorId permutation (old id -> new id; entries
// for tombstoned old ids are absent from the map).
func (s *VectorStore) Compact() (*VectorStore, map[VectorId]VectorId) {
	perm := make(map[VectorId]VectorId, s.liveCount)
	next := NewVectorStore(s.dimension, s.metric, s.bqEnabled)

	for old := 0; old < len(s.vectors); old++ {
		if s.deleted[old] {
			continue
		}
		newID := VectorId(len(next.vectors))
		next.vectors = append(next.vectors, s.vectors[old])
		next.deleted = append(next.deleted, false)
		next.liveCount++
		if s.bqEnabled {
			next.codes = append(next.codes, s.codes[old])
		}
		perm[VectorId(old)] = newID
	}

	return next, perm
}

// DimensionMismatchError reports a vector whose length does not match the
// store's configured dimension.
type DimensionMismatchError struct {
	Expected, Got int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// InvalidVectorError reports a vector rejected for content reasons (NaN,
// infinity, or a zero vector under cosine metric).
type InvalidVectorError struct {
	Reason string
}

func (e *InvalidVectorError) Error() string {
	return fmt.Sprintf("invalid vector: %s", e.Reason)
}

// InvalidIdError reports a VectorId beyond the store's current count.
type InvalidIdError struct {
	ID VectorId
}

func (e *InvalidIdError) Error() string {
	return fmt.Sprintf("invalid vector id: %d", e.ID)
}
