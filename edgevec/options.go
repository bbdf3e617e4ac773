package edgevec

import (
	"github.com/matte1782/edgevec/internal/filter"
	"github.com/matte1782/edgevec/internal/index/hnsw"
	"github.com/matte1782/edgevec/internal/util"
)

// DistanceMetric selects the distance kernel a collection searches under.
type DistanceMetric = util.DistanceMetric

const (
	L2Distance     = util.L2Distance
	InnerProduct   = util.InnerProduct
	CosineDistance = util.CosineDistance
)

// Option configures a Collection at creation time. Options are applied in
// order and validated eagerly by New; an invalid option leaves no
// partially-constructed collection behind.
type Option func(*hnsw.Config) error

// WithMetric sets the distance metric. Default L2Distance.
func WithMetric(metric DistanceMetric) Option {
	return func(c *hnsw.Config) error {
		c.Metric = metric
		return nil
	}
}

// WithHNSW configures the neighbor fan-out and construction beam width.
// M0 is set to 2*m per the usual HNSW convention.
func WithHNSW(m, efConstruction, efSearch int) Option {
	return func(c *hnsw.Config) error {
		if m <= 0 || efConstruction <= 0 || efSearch <= 0 {
			return invalidVectorError("HNSW parameters must be positive")
		}
		c.M = m
		c.M0 = 2 * m
		c.EfConstruction = efConstruction
		c.EfSearchDefault = efSearch
		return nil
	}
}

// WithLMax caps the highest layer a node can be assigned to: drawn levels
// run from 0 to lMax inclusive.
func WithLMax(lMax int) Option {
	return func(c *hnsw.Config) error {
		if lMax <= 0 {
			return invalidVectorError("LMax must be positive")
		}
		c.LMax = lMax
		return nil
	}
}

// WithSeed fixes the level-generation RNG seed, making level assignment (and
// therefore graph shape) reproducible across runs for the same insert
// sequence.
func WithSeed(seed int64) Option {
	return func(c *hnsw.Config) error {
		c.Seed = seed
		return nil
	}
}

// WithBinaryQuantization enables the 1-bit-per-dimension BQ arena and the
// SearchBQ fast path alongside full-precision search.
func WithBinaryQuantization(enabled bool) Option {
	return func(c *hnsw.Config) error {
		c.BQEnabled = enabled
		return nil
	}
}

// WithCompactionThreshold sets the tombstone ratio at which NeedsCompaction
// starts reporting true. Default 0.3.
func WithCompactionThreshold(ratio float64) Option {
	return func(c *hnsw.Config) error {
		if ratio <= 0 || ratio > 1 {
			return invalidVectorError("compaction threshold must be in (0, 1]")
		}
		c.CompactionThreshold = ratio
		return nil
	}
}

// WithRescoreFactor sets the default multiple of k candidates SearchBQ
// Hamming-ranks before exact rescoring. Default 10.
func WithRescoreFactor(factor int) Option {
	return func(c *hnsw.Config) error {
		if factor <= 0 {
			return invalidVectorError("rescore factor must be positive")
		}
		c.RescoreFactorDefault = factor
		return nil
	}
}

// WithSelectivityThresholds overrides the filter strategy selector's
// prefilter/hybrid cutoffs (tau1, tau2 in spec terms). Default 0.05/0.5.
func WithSelectivityThresholds(prefilter, hybrid float64) Option {
	return func(c *hnsw.Config) error {
		c.SelectivitySelector = filter.SelectorConfig{
			PrefilterThreshold:        prefilter,
			HybridThreshold:           hybrid,
			SelectivityExactThreshold: c.SelectivitySelector.SelectivityExactThreshold,
			SelectivitySampleSize:     c.SelectivitySelector.SelectivitySampleSize,
		}
		return nil
	}
}
