package hnsw

import "github.com/matte1782/edgevec/internal/storage"

// SoftDelete tombstones id: it is removed from search results immediately
// but its edges remain in the graph until the next Compact. If id was the
// entry point, a replacement is promoted synchronously in the same call
// (spec.md §9 Open Question: entry-point promotion is never deferred).
func (idx *Index) SoftDelete(id storage.VectorId) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if int(id) >= len(idx.nodes) || idx.nodes[id] == nil {
		return &storage.InvalidIdError{ID: id}
	}

	if !idx.store.MarkDeleted(id) {
		return nil // already deleted; idempotent
	}
	idx.nodes[id].Deleted = true
	idx.meta.Remove(id)

	if idx.hasEntryPoint && idx.entryPoint == id {
		idx.promoteEntryPointLocked()
	}

	return nil
}

// IsDeleted reports whether id is tombstoned.
func (idx *Index) IsDeleted(id storage.VectorId) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.store.IsDeleted(id)
}

// promoteEntryPointLocked finds the live node with the largest MaxLayer,
// breaking ties by lowest id, and installs it as the new entry point. If no
// live node remains, the graph reverts to the empty state.
func (idx *Index) promoteEntryPointLocked() {
	var (
		best      storage.VectorId
		bestLayer = -1
		found     bool
	)

	for _, n := range idx.nodes {
		if n == nil || n.Deleted {
			continue
		}
		if n.MaxLayer > bestLayer || (n.MaxLayer == bestLayer && n.ID < best) {
			best = n.ID
			bestLayer = n.MaxLayer
			found = true
		}
	}

	idx.hasEntryPoint = found
	if found {
		idx.entryPoint = best
	}
}
