package hnsw

import (
	"sort"

	"github.com/matte1782/edgevec/internal/metadata"
	"github.com/matte1782/edgevec/internal/storage"
)

// NeedsCompaction reports whether the tombstone ratio has crossed the
// configured threshold.
func (idx *Index) NeedsCompaction() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.store.TombstoneRatio() >= idx.config.CompactionThreshold
}

type liveNodeRef struct {
	oldID    storage.VectorId
	maxLayer int
}

// Compact rebuilds the vector store and the graph from the live subset,
// discarding every tombstoned id and producing a fresh, dense VectorId
// range. The returned permutation maps every surviving old id to its new
// id; callers that hold external copies of old ids (e.g. the host's own
// id mapping) must remap them using it.
func (idx *Index) Compact() (*CompactionResult, map[storage.VectorId]storage.VectorId, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	oldCount := idx.store.Count()
	oldLive := idx.store.LiveCount()

	newStore, perm := idx.store.Compact()
	rekeyedMeta := idx.rekeyMetadataLocked(perm)

	// Each live node is reinserted at its original MaxLayer (not a fresh
	// random draw), so processing largest-MaxLayer-first guarantees the
	// first node installed is a max-layer node and therefore becomes the
	// rebuilt graph's entry point, preserving invariant I4 without a
	// separate fixup pass.
	liveNodes := make([]liveNodeRef, 0, oldLive)
	for _, n := range idx.nodes {
		if n == nil || n.Deleted {
			continue
		}
		liveNodes = append(liveNodes, liveNodeRef{oldID: n.ID, maxLayer: n.MaxLayer})
	}
	sort.Slice(liveNodes, func(i, j int) bool {
		if liveNodes[i].maxLayer != liveNodes[j].maxLayer {
			return liveNodes[i].maxLayer > liveNodes[j].maxLayer
		}
		return liveNodes[i].oldID < liveNodes[j].oldID
	})

	rebuilt := &Index{
		config:   idx.config,
		store:    newStore,
		meta:     rekeyedMeta,
		rng:      idx.rng,
		distance: idx.distance,
		bq:       idx.bq,
		nodes:    make([]*GraphNode, newStore.Count()),
	}

	for _, ln := range liveNodes {
		newID := perm[ln.oldID]
		vec, err := newStore.Get(newID)
		if err != nil {
			return nil, nil, err
		}
		rebuilt.insertNodeAtLevelLocked(newID, vec, ln.maxLayer)
	}

	idx.store = rebuilt.store
	idx.meta = rebuilt.meta
	idx.nodes = rebuilt.nodes
	idx.entryPoint = rebuilt.entryPoint
	idx.hasEntryPoint = rebuilt.hasEntryPoint

	result := &CompactionResult{
		TombstonesRemoved: oldCount - oldLive,
		OldCount:          oldCount,
		NewCount:          idx.store.Count(),
	}

	return result, perm, nil
}

func (idx *Index) rekeyMetadataLocked(perm map[storage.VectorId]storage.VectorId) *metadata.Store {
	rekeyed := metadata.NewStore()
	for oldID, newID := range perm {
		if v, ok := idx.meta.Get(oldID); ok {
			rekeyed.Set(newID, v)
		}
	}
	return rekeyed
}
