package hnsw

import (
	"sort"

	"github.com/matte1782/edgevec/internal/filter"
	"github.com/matte1782/edgevec/internal/quant"
	"github.com/matte1782/edgevec/internal/storage"
	"github.com/matte1782/edgevec/internal/util"
)

// searchLayer runs a single-layer beam search from entry, returning up to ef
// candidates ordered nearest-first. Tombstoned nodes are traversed (their
// edges still connect the graph) but never added to the result set.
func (idx *Index) searchLayer(query []float32, entry storage.VectorId, ef int, layer int) []*util.Candidate {
	visited := make(map[storage.VectorId]bool)
	visited[entry] = true

	entryDist := idx.distTo(query, entry)

	candidates := util.NewMinHeap(0) // frontier to explore, nearest first
	candidates.PushCandidate(&util.Candidate{ID: entry, Distance: entryDist})

	result := util.NewMaxHeap(ef) // best-so-far, farthest at top for eviction
	if !idx.nodes[entry].Deleted {
		result.PushCandidate(&util.Candidate{ID: entry, Distance: entryDist})
	}

	for candidates.Len() > 0 {
		c := candidates.PopCandidate()

		if result.Len() >= ef {
			if f := result.Top(); f != nil && c.Distance > f.Distance {
				break
			}
		}

		node := idx.nodes[c.ID]
		if layer > node.MaxLayer {
			continue
		}
		for _, nb := range node.Neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true

			nbDist := idx.distTo(query, nb)
			f := result.Top()

			if result.Len() < ef || f == nil || nbDist < f.Distance {
				candidates.PushCandidate(&util.Candidate{ID: nb, Distance: nbDist})
				if !idx.nodes[nb].Deleted {
					result.PushCandidate(&util.Candidate{ID: nb, Distance: nbDist})
					if result.Len() > ef {
						result.PopCandidate()
					}
				}
			}
		}
	}

	out := make([]*util.Candidate, 0, result.Len())
	for result.Len() > 0 {
		out = append(out, result.PopCandidate())
	}
	// result is a max-heap so popping yields farthest-first; reverse to get
	// nearest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SearchResult is one ranked hit from a Search/SearchFiltered/SearchBQ call.
type SearchResult struct {
	ID       storage.VectorId
	Distance float32
}

// Search performs an unfiltered top-k nearest-neighbor query.
func (idx *Index) Search(query []float32, k int, efSearch int) ([]SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.searchLocked(query, k, efSearch)
}

func (idx *Index) searchLocked(query []float32, k int, efSearch int) ([]SearchResult, error) {
	if len(query) != idx.config.Dimension {
		return nil, &storage.DimensionMismatchError{Expected: idx.config.Dimension, Got: len(query)}
	}
	if !idx.hasEntryPoint {
		return nil, nil
	}
	if efSearch <= 0 {
		efSearch = idx.config.EfSearchDefault
	}
	if efSearch < k {
		efSearch = k
	}

	ep := idx.entryPoint
	for l := idx.topLayer(); l > 0; l-- {
		candidates := idx.searchLayer(query, ep, 1, l)
		if len(candidates) > 0 {
			ep = candidates[0].ID
		}
	}

	candidates := idx.searchLayer(query, ep, efSearch, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = SearchResult{ID: c.ID, Distance: c.Distance}
	}
	return results, nil
}

// SearchFiltered performs a top-k query constrained by a parsed metadata
// filter, choosing among postfilter/prefilter/hybrid/bypass/empty strategies
// per the estimated selectivity (spec.md §4.7). Strategy choice never
// affects the result set, only how it is computed.
func (idx *Index) SearchFiltered(query []float32, k int, efSearch int, expr filter.Node) ([]SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(query) != idx.config.Dimension {
		return nil, &storage.DimensionMismatchError{Expected: idx.config.Dimension, Got: len(query)}
	}
	if !idx.hasEntryPoint {
		return nil, nil
	}

	simplified := filter.Simplify(expr)
	if filter.IsContradiction(simplified) {
		return nil, nil
	}
	if filter.IsTautology(simplified) {
		return idx.searchLocked(query, k, efSearch)
	}

	cfg := idx.config.SelectivitySelector
	selectivity := idx.estimateSelectivityLocked(simplified, cfg)
	strategy := filter.Select(simplified, cfg, selectivity)

	switch strategy {
	case filter.StrategyBypass:
		return idx.searchLocked(query, k, efSearch)
	case filter.StrategyEmpty:
		return nil, nil
	case filter.StrategyPrefilter:
		return idx.prefilterSearchLocked(query, k, simplified)
	case filter.StrategyHybrid, filter.StrategyPostfilter:
		return idx.postfilterSearchLocked(query, k, efSearch, simplified, selectivity)
	default:
		return idx.postfilterSearchLocked(query, k, efSearch, simplified, selectivity)
	}
}

func (idx *Index) estimateSelectivityLocked(n filter.Node, cfg filter.SelectorConfig) float64 {
	live := idx.store.LiveCount()
	ids := idx.liveIdsLocked()

	if len(ids) > cfg.SelectivityExactThreshold {
		sampled := make([]uint32, 0, cfg.SelectivitySampleSize)
		step := len(ids) / cfg.SelectivitySampleSize
		if step < 1 {
			step = 1
		}
		for i := 0; i < len(ids) && len(sampled) < cfg.SelectivitySampleSize; i += step {
			sampled = append(sampled, ids[i])
		}
		ids = sampled
	}

	return filter.EstimateSelectivity(n, cfg, live, idx.metadataLookup, ids)
}

func (idx *Index) metadataLookup(id uint32) (interface{}, bool) {
	return idx.meta.Get(id)
}

func (idx *Index) liveIdsLocked() []uint32 {
	ids := make([]uint32, 0, idx.store.LiveCount())
	for _, n := range idx.nodes {
		if n != nil && !n.Deleted {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// postfilterSearchLocked over-fetches an unfiltered candidate set and
// evaluates the filter afterward, widening the search until k matches are
// found or the whole graph has been explored. The initial over-fetch size
// is k scaled by a selectivity-derived multiplier clamped to [2, 10]: a
// highly selective filter (sigma near 0) needs up to 10x the candidates to
// find k matches, while an unselective one needs barely more than k.
func (idx *Index) postfilterSearchLocked(query []float32, k int, efSearch int, expr filter.Node, selectivity float64) ([]SearchResult, error) {
	if efSearch <= 0 {
		efSearch = idx.config.EfSearchDefault
	}

	multiplier := 10.0
	if selectivity > 0 {
		multiplier = 1.0 / selectivity
	}
	if multiplier < 2.0 {
		multiplier = 2.0
	}
	if multiplier > 10.0 {
		multiplier = 10.0
	}

	widen := int(float64(k) * multiplier)
	if widen < efSearch {
		widen = efSearch
	}
	maxWiden := idx.store.Count()
	if maxWiden < 1 {
		maxWiden = 1
	}

	for {
		candidates, err := idx.searchLocked(query, widen, widen)
		if err != nil {
			return nil, err
		}

		results := make([]SearchResult, 0, k)
		for _, c := range candidates {
			// A vector with no metadata entry at all (I6: metadata keys are
			// a subset of live ids, not all of them) evaluates as if every
			// field path on it were absent, same as metadata.Resolve's own
			// absent case — not as an automatic filter rejection. That
			// distinction matters for filters built on negated existence
			// checks (e.g. "NOT (cat IS NOT NULL)" must match a vector with
			// no metadata at all).
			value, _ := idx.meta.Get(c.ID)
			if filter.Eval(expr, value) {
				results = append(results, SearchResult{ID: c.ID, Distance: c.Distance})
				if len(results) == k {
					return results, nil
				}
			}
		}

		if widen >= maxWiden {
			return results, nil
		}
		widen *= 2
		if widen > maxWiden {
			widen = maxWiden
		}
	}
}

// prefilterSearchLocked evaluates the filter over every live id first, then
// exact-ranks the surviving subset. Used when the filter is estimated to be
// highly selective, where walking the graph would waste most of its probes
// on ids the filter would reject.
func (idx *Index) prefilterSearchLocked(query []float32, k int, expr filter.Node) ([]SearchResult, error) {
	var matches []*util.Candidate

	for _, n := range idx.nodes {
		if n == nil || n.Deleted {
			continue
		}
		value, _ := idx.meta.Get(n.ID)
		if !filter.Eval(expr, value) {
			continue
		}
		vec := idx.vectorOf(n.ID)
		matches = append(matches, &util.Candidate{ID: n.ID, Distance: idx.distance(query, vec)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})

	if len(matches) > k {
		matches = matches[:k]
	}

	results := make([]SearchResult, len(matches))
	for i, c := range matches {
		results[i] = SearchResult{ID: c.ID, Distance: c.Distance}
	}
	return results, nil
}

// SearchBQ runs the binary-quantization fast path: Hamming-ranks every live
// code, then exact-rescoring the top k*rescoreFactor candidates against the
// full-precision vectors. Requires the index to have been created with
// BQEnabled.
func (idx *Index) SearchBQ(query []float32, k int, rescoreFactor int) ([]SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.bq == nil {
		return nil, &UnsupportedOperationError{Op: "SearchBQ", Reason: "index was not created with BQEnabled"}
	}
	if len(query) != idx.config.Dimension {
		return nil, &storage.DimensionMismatchError{Expected: idx.config.Dimension, Got: len(query)}
	}
	if !idx.hasEntryPoint {
		return nil, nil
	}
	if rescoreFactor <= 0 {
		rescoreFactor = idx.config.RescoreFactorDefault
	}

	queryCode := quant.EncodeBinaryCode(query)

	candidates := make([]*util.Candidate, 0, idx.store.LiveCount())
	for _, n := range idx.nodes {
		if n == nil || n.Deleted {
			continue
		}
		code, err := idx.store.GetCode(n.ID)
		if err != nil {
			continue
		}
		candidates = append(candidates, &util.Candidate{
			ID:       n.ID,
			Distance: float32(util.HammingDistance(queryCode, code)),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return candidates[i].ID < candidates[j].ID
	})

	rescoreN := k * rescoreFactor
	if rescoreN > len(candidates) {
		rescoreN = len(candidates)
	}
	candidates = candidates[:rescoreN]

	for _, c := range candidates {
		c.Distance = idx.distTo(query, c.ID)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return candidates[i].ID < candidates[j].ID
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = SearchResult{ID: c.ID, Distance: c.Distance}
	}
	return results, nil
}

// UnsupportedOperationError reports an operation invalid for the index's
// current configuration (e.g. SearchBQ on a non-BQ index).
type UnsupportedOperationError struct {
	Op     string
	Reason string
}

func (e *UnsupportedOperationError) Error() string {
	return e.Op + ": " + e.Reason
}
