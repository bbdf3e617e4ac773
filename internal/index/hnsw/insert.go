package hnsw

import (
	"github.com/matte1782/edgevec/internal/storage"
	"github.com/matte1782/edgevec/internal/util"
)

// Insert validates and adds vec to the index, returning its new VectorId.
func (idx *Index) Insert(vec []float32) (storage.VectorId, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.insertLocked(vec, nil)
}

// InsertWithMetadata inserts vec and associates value with the new id in
// the same critical section.
func (idx *Index) InsertWithMetadata(vec []float32, value interface{}) (storage.VectorId, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.insertLocked(vec, &value)
}

// SkipReason explains why a batch item was not inserted.
type SkipReason struct {
	Index  int
	Reason string
}

// BatchInsert performs best-effort insertion: failures on individual items
// are collected and the batch continues.
func (idx *Index) BatchInsert(vecs [][]float32) (inserted []storage.VectorId, skipped []SkipReason) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i, v := range vecs {
		id, err := idx.insertLocked(v, nil)
		if err != nil {
			skipped = append(skipped, SkipReason{Index: i, Reason: err.Error()})
			continue
		}
		inserted = append(inserted, id)
	}
	return inserted, skipped
}

func (idx *Index) insertLocked(vec []float32, value *interface{}) (storage.VectorId, error) {
	id, err := idx.store.Insert(vec)
	if err != nil {
		return 0, err
	}

	if value != nil {
		idx.meta.Set(id, *value)
	}

	idx.insertNodeLocked(id, vec)
	return id, nil
}

// insertNodeLocked wires a graph node for an id whose vector already exists
// in the store (assigned by a fresh Insert), drawing a new random level.
// idx.nodes is kept the same length as the store at all times, indexed
// directly by VectorId.
func (idx *Index) insertNodeLocked(id storage.VectorId, vec []float32) {
	idx.insertNodeAtLevelLocked(id, vec, idx.generateLevel())
}

// insertNodeAtLevelLocked is insertNodeLocked with an explicit level
// instead of a freshly drawn one. Compact() uses this to reinsert each live
// node at its original MaxLayer, so the rebuilt graph's level structure
// (and therefore its entry point) is exactly the old one restricted to the
// live subset, not a new random draw.
func (idx *Index) insertNodeAtLevelLocked(id storage.VectorId, vec []float32, level int) {
	node := &GraphNode{
		ID:        id,
		MaxLayer:  level,
		Neighbors: make([][]storage.VectorId, level+1),
	}
	for l := range node.Neighbors {
		node.Neighbors[l] = make([]storage.VectorId, 0, idx.config.Mmax(l))
	}

	if int(id) >= len(idx.nodes) {
		grown := make([]*GraphNode, id+1)
		copy(grown, idx.nodes)
		idx.nodes = grown
	}
	idx.nodes[id] = node

	if !idx.hasEntryPoint {
		idx.entryPoint = id
		idx.hasEntryPoint = true
		return
	}

	idx.insertIntoGraph(vec, node)

	if level > idx.nodes[idx.entryPoint].MaxLayer {
		idx.entryPoint = id
	}
}

// insertIntoGraph runs the descent + per-layer beam search + heuristic
// neighbor selection + bidirectional edge install described in spec.md
// §4.4.
func (idx *Index) insertIntoGraph(vec []float32, node *GraphNode) {
	ep := idx.entryPoint
	top := idx.topLayer()

	// Phase 1: greedy single-candidate descent from top down to level+1.
	for l := top; l > node.MaxLayer; l-- {
		candidates := idx.searchLayer(vec, ep, 1, l)
		if len(candidates) > 0 {
			ep = candidates[0].ID
		}
	}

	// Phase 2: beam search + neighbor selection from min(level, top) down to 0.
	start := node.MaxLayer
	if top < start {
		start = top
	}
	for l := start; l >= 0; l-- {
		candidates := idx.searchLayer(vec, ep, idx.config.EfConstruction, l)
		selected := idx.selectNeighborsHeuristic(vec, candidates, idx.config.Mmax(l))

		node.Neighbors[l] = make([]storage.VectorId, 0, len(selected))
		for _, c := range selected {
			node.Neighbors[l] = append(node.Neighbors[l], c.ID)
			idx.connectAndPrune(node.ID, c.ID, l)
		}

		if len(candidates) > 0 {
			ep = candidates[0].ID
		}
	}
}

// connectAndPrune installs the reverse edge (to -> from) at layer, pruning
// to's neighbor list back down to Mmax(layer) via the heuristic selector
// if it now exceeds the cap. Edges not involved in this pass are never
// touched.
func (idx *Index) connectAndPrune(from, to storage.VectorId, layer int) {
	other := idx.nodes[to]
	if layer > other.MaxLayer {
		return
	}

	other.Neighbors[layer] = append(other.Neighbors[layer], from)

	mmax := idx.config.Mmax(layer)
	if len(other.Neighbors[layer]) <= mmax {
		return
	}

	otherVec := idx.vectorOf(to)
	candidates := make([]*util.Candidate, 0, len(other.Neighbors[layer]))
	for _, nbID := range other.Neighbors[layer] {
		candidates = append(candidates, &util.Candidate{
			ID:       nbID,
			Distance: idx.distTo(otherVec, nbID),
		})
	}

	selected := idx.selectNeighborsHeuristic(otherVec, candidates, mmax)
	other.Neighbors[layer] = other.Neighbors[layer][:0]
	for _, c := range selected {
		other.Neighbors[layer] = append(other.Neighbors[layer], c.ID)
	}
}

// selectNeighborsHeuristic implements the diversity-preferring selector of
// spec.md §4.4: a candidate c is kept only if it is closer to the query
// than to every already-chosen neighbor. Candidates are considered nearest
// first.
func (idx *Index) selectNeighborsHeuristic(query []float32, candidates []*util.Candidate, mmax int) []*util.Candidate {
	sorted := make([]*util.Candidate, len(candidates))
	copy(sorted, candidates)
	sortCandidatesByDistance(sorted)

	selected := make([]*util.Candidate, 0, mmax)
	for _, c := range sorted {
		if len(selected) >= mmax {
			break
		}
		cVec := idx.vectorOf(c.ID)
		keep := true
		for _, s := range selected {
			if idx.distance(cVec, idx.vectorOf(s.ID)) < c.Distance {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c)
		}
	}

	// Backfill: if the diversity filter left room below mmax, top off with
	// the remaining nearest candidates so construction never produces a
	// sparser-than-necessary graph merely from over-aggressive diversity.
	if len(selected) < mmax {
		seen := make(map[storage.VectorId]bool, len(selected))
		for _, s := range selected {
			seen[s.ID] = true
		}
		for _, c := range sorted {
			if len(selected) >= mmax {
				break
			}
			if !seen[c.ID] {
				selected = append(selected, c)
				seen[c.ID] = true
			}
		}
	}

	return selected
}

func sortCandidatesByDistance(c []*util.Candidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && less(c[j], c[j-1]); j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

func less(a, b *util.Candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}
