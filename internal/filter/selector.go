package filter

// Strategy is the search strategy chosen for a given filter and index
// state.
type Strategy int

const (
	// StrategyBypass applies when the filter simplifies to TRUE: fall
	// through to an unfiltered search.
	StrategyBypass Strategy = iota
	// StrategyEmpty applies when the filter simplifies to FALSE: return an
	// empty result without touching the graph.
	StrategyEmpty
	StrategyPrefilter
	StrategyHybrid
	StrategyPostfilter
)

// SelectorConfig holds the selectivity thresholds and estimator knobs
// described in spec.md's §9 Open Questions resolution: exact counting
// below SelectivityExactThreshold live vectors, sampled above it.
type SelectorConfig struct {
	PrefilterThreshold      float64 // tau1, default 0.05
	HybridThreshold         float64 // tau2, default 0.5
	SelectivityExactThreshold int   // default 10_000
	SelectivitySampleSize     int   // default 2_000
}

// DefaultSelectorConfig returns the spec's named default thresholds.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		PrefilterThreshold:        0.05,
		HybridThreshold:           0.5,
		SelectivityExactThreshold: 10_000,
		SelectivitySampleSize:     2_000,
	}
}

// Select classifies a simplified filter and, for the non-trivial case,
// picks a strategy from the estimated selectivity sigma.
func Select(n Node, cfg SelectorConfig, selectivity float64) Strategy {
	simplified := Simplify(n)
	if c, ok := simplified.(*Const); ok {
		if c.Value {
			return StrategyBypass
		}
		return StrategyEmpty
	}

	switch {
	case selectivity <= cfg.PrefilterThreshold:
		return StrategyPrefilter
	case selectivity <= cfg.HybridThreshold:
		return StrategyHybrid
	default:
		return StrategyPostfilter
	}
}

// EstimateSelectivity computes sigma, the fraction of the sampled/counted
// ids satisfying filter, as an advisory number only — correctness of
// search never depends on it. ids is either the full live id set (when its
// length is <= cfg.SelectivityExactThreshold) or an evenly strided sample
// of it. An id with no metadata is evaluated as a nil value, i.e. with
// every field path absent.
func EstimateSelectivity(n Node, cfg SelectorConfig, liveCount int, sample func(id uint32) (interface{}, bool), ids []uint32) float64 {
	if liveCount == 0 || len(ids) == 0 {
		return 0
	}

	matched := 0
	for _, id := range ids {
		value, _ := sample(id)
		if Eval(n, value) {
			matched++
		}
	}

	return float64(matched) / float64(len(ids))
}
