// Package hnsw implements a Hierarchical Navigable Small World graph index
// with soft-delete tombstones, compaction, a filtered search engine, and a
// binary-quantization fast path with rescoring.
package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/matte1782/edgevec/internal/filter"
	"github.com/matte1782/edgevec/internal/metadata"
	"github.com/matte1782/edgevec/internal/quant"
	"github.com/matte1782/edgevec/internal/storage"
	"github.com/matte1782/edgevec/internal/util"
)

// Config holds the immutable-after-creation HNSW parameters (mirrors
// spec.md's HnswConfig); EfSearchDefault is the one field mutable after
// construction via SetEfSearch.
type Config struct {
	Dimension      int
	Metric         util.DistanceMetric
	M              int
	M0             int // conventionally 2*M
	EfConstruction int
	EfSearchDefault int
	ML             float64 // 1/ln(M)
	LMax           int
	BQEnabled      bool
	Seed           int64

	CompactionThreshold   float64 // default 0.3
	RescoreFactorDefault  int     // default 10
	SelectivitySelector   filter.SelectorConfig
}

// DefaultConfig fills in every knob spec.md leaves as a tunable default.
func DefaultConfig(dimension int) *Config {
	m := 16
	return &Config{
		Dimension:            dimension,
		Metric:               util.L2Distance,
		M:                    m,
		M0:                   2 * m,
		EfConstruction:       200,
		EfSearchDefault:      50,
		ML:                   1.0 / math.Log(float64(m)),
		LMax:                 16,
		BQEnabled:            false,
		Seed:                 0,
		CompactionThreshold:  0.3,
		RescoreFactorDefault: 10,
		SelectivitySelector:  filter.DefaultSelectorConfig(),
	}
}

func (c *Config) validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	if c.M <= 0 {
		return fmt.Errorf("M must be positive")
	}
	if c.M0 <= 0 {
		c.M0 = 2 * c.M
	}
	if c.EfConstruction <= 0 {
		return fmt.Errorf("EfConstruction must be positive")
	}
	if c.EfSearchDefault <= 0 {
		return fmt.Errorf("EfSearch must be positive")
	}
	if c.ML <= 0 {
		return fmt.Errorf("ML must be positive")
	}
	if c.LMax <= 0 {
		c.LMax = 16
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = 0.3
	}
	if c.RescoreFactorDefault <= 0 {
		c.RescoreFactorDefault = 10
	}
	return nil
}

// CompactionResult reports the effect of a Compact() call.
type CompactionResult struct {
	TombstonesRemoved int
	OldCount          int
	NewCount          int
}

// Stats is the host-facing snapshot of index state (spec.md §6 stats()).
type Stats struct {
	LiveCount      int
	DeletedCount   int
	TombstoneRatio float64
	MemoryBytes    int64
	EntryPoint     storage.VectorId
	HasEntryPoint  bool
}

// Index is a single HNSW graph generation: the graph, its backing vector
// storage, and its metadata store, all under one lock (spec.md §5: a
// single-writer, shared-reader index object).
type Index struct {
	mu sync.RWMutex

	config *Config
	store  *storage.VectorStore
	meta   *metadata.Store

	nodes         []*GraphNode // indexed by VectorId
	entryPoint    storage.VectorId
	hasEntryPoint bool

	rng      *rand.Rand
	distance util.DistanceFunc

	bq quant.Quantizer // non-nil iff config.BQEnabled
}

// NewIndex creates an empty index for the given configuration.
func NewIndex(config *Config) (*Index, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid HNSW config: %w", err)
	}

	distanceFunc, err := util.GetDistanceFunc(config.Metric)
	if err != nil {
		return nil, fmt.Errorf("unsupported distance metric: %w", err)
	}

	idx := &Index{
		config:   config,
		store:    storage.NewVectorStore(config.Dimension, config.Metric, config.BQEnabled),
		meta:     metadata.NewStore(),
		rng:      rand.New(rand.NewSource(config.Seed)),
		distance: distanceFunc,
	}

	if config.BQEnabled {
		q, err := quant.Create(quant.DefaultConfig(quant.BinaryQuantization))
		if err != nil {
			return nil, fmt.Errorf("failed to create binary quantizer: %w", err)
		}
		q.(interface{ SetDimension(int) }).SetDimension(config.Dimension)
		idx.bq = q
	}

	return idx, nil
}

// Size returns the number of live vectors.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.store.LiveCount()
}

// SetEfSearch overrides the default ef_search beam width.
func (idx *Index) SetEfSearch(ef int) error {
	if ef <= 0 {
		return fmt.Errorf("ef_search must be positive")
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.config.EfSearchDefault = ef
	return nil
}

// Stats reports the current index state.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return Stats{
		LiveCount:      idx.store.LiveCount(),
		DeletedCount:   idx.store.DeletedCount(),
		TombstoneRatio: idx.store.TombstoneRatio(),
		MemoryBytes:    idx.memoryUsageLocked(),
		EntryPoint:     idx.entryPoint,
		HasEntryPoint:  idx.hasEntryPoint,
	}
}

func (idx *Index) memoryUsageLocked() int64 {
	var usage int64
	usage += int64(idx.store.Count()) * int64(idx.config.Dimension) * 4
	for _, n := range idx.nodes {
		if n == nil {
			continue
		}
		for _, layer := range n.Neighbors {
			usage += int64(len(layer)) * 4
		}
		usage += 32 // struct overhead, approximate
	}
	if idx.bq != nil {
		usage += idx.bq.MemoryUsage()
	}
	return usage
}

// Close releases the index's state. A closed Index must not be reused.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.nodes = nil
	idx.hasEntryPoint = false
	return nil
}

// generateLevel draws a level from a truncated geometric distribution:
// floor(-ln(u) * ml), capped at LMax, u uniform on (0,1].
func (idx *Index) generateLevel() int {
	u := idx.rng.Float64()
	for u == 0 {
		u = idx.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) * idx.config.ML))
	if level > idx.config.LMax {
		level = idx.config.LMax
	}
	return level
}

// topLayer returns the graph's current top layer (the entry point's
// MaxLayer, which by invariant I4 is always >= every other live node's).
func (idx *Index) topLayer() int {
	if !idx.hasEntryPoint {
		return -1
	}
	return idx.nodes[idx.entryPoint].MaxLayer
}

func (idx *Index) vectorOf(id storage.VectorId) []float32 {
	v, err := idx.store.Get(id)
	if err != nil {
		return nil
	}
	return v
}

func (idx *Index) distTo(query []float32, id storage.VectorId) float32 {
	return idx.distance(query, idx.vectorOf(id))
}
