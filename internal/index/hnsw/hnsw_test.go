package hnsw

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/matte1782/edgevec/internal/storage"
	"github.com/matte1782/edgevec/internal/util"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		out[i] = v
	}
	return out
}

func newTestIndex(t *testing.T, dim int, seed int64) *Index {
	t.Helper()
	cfg := DefaultConfig(dim)
	cfg.Seed = seed
	idx, err := NewIndex(cfg)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	return idx
}

func TestInsertAndSearchFindsSelf(t *testing.T) {
	idx := newTestIndex(t, 8, 1)
	vecs := randomVectors(200, 8, 2)

	var ids []storage.VectorId
	for _, v := range vecs {
		id, err := idx.Insert(v)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, id)
	}

	for i, v := range vecs {
		results, err := idx.Search(v, 1, 50)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(results) == 0 {
			t.Fatalf("empty results for vector %d", i)
		}
		if results[0].ID != ids[i] {
			// Graph search is approximate; require the exact self-match to
			// at least appear in a wider beam when it isn't first.
			wider, _ := idx.Search(v, 5, 100)
			found := false
			for _, r := range wider {
				if r.ID == ids[i] {
					found = true
				}
			}
			if !found {
				t.Errorf("vector %d: self not found among top-5", i)
			}
		}
	}
}

// P5: search returns at most k results, all live, distances non-decreasing.
func TestSearchMonotonicAndBounded(t *testing.T) {
	idx := newTestIndex(t, 16, 3)
	for _, v := range randomVectors(500, 16, 4) {
		if _, err := idx.Insert(v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	q := randomVectors(1, 16, 5)[0]
	results, err := idx.Search(q, 10, 80)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) > 10 {
		t.Fatalf("got %d results, want <= 10", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Fatalf("distances not monotonic at %d: %v then %v", i, results[i-1].Distance, results[i].Distance)
		}
	}
	for _, r := range results {
		if idx.IsDeleted(r.ID) {
			t.Fatalf("result %d is tombstoned", r.ID)
		}
	}
}

// P6: recall@10 against brute force on a modest random index.
func TestRecallAgainstBruteForce(t *testing.T) {
	const n, dim, k = 2000, 32, 10
	idx := newTestIndex(t, dim, 6)
	vecs := randomVectors(n, dim, 7)
	for _, v := range vecs {
		if _, err := idx.Insert(v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	distFn, _ := util.GetDistanceFunc(util.L2Distance)
	queries := randomVectors(50, dim, 8)

	var totalRecall float64
	for _, q := range queries {
		approx, err := idx.Search(q, k, 100)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		approxSet := make(map[storage.VectorId]bool, len(approx))
		for _, r := range approx {
			approxSet[r.ID] = true
		}

		type scored struct {
			id   storage.VectorId
			dist float32
		}
		all := make([]scored, n)
		for i, v := range vecs {
			all[i] = scored{id: storage.VectorId(i), dist: distFn(q, v)}
		}
		sort.Slice(all, func(i, j int) bool { return all[i].dist < all[j].dist })

		hits := 0
		for i := 0; i < k; i++ {
			if approxSet[all[i].id] {
				hits++
			}
		}
		totalRecall += float64(hits) / float64(k)
	}

	avgRecall := totalRecall / float64(len(queries))
	if avgRecall < 0.80 {
		t.Errorf("average recall@%d = %.3f, want >= 0.80", k, avgRecall)
	}
}

// P1, P2, P3, P4: graph invariants across a mixed insert/delete sequence.
func TestGraphInvariantsUnderMixedOps(t *testing.T) {
	idx := newTestIndex(t, 12, 9)
	vecs := randomVectors(300, 12, 10)

	var ids []storage.VectorId
	for _, v := range vecs {
		id, err := idx.Insert(v)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, id)
	}

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 100; i++ {
		victim := ids[rng.Intn(len(ids))]
		if err := idx.SoftDelete(victim); err != nil {
			t.Fatalf("SoftDelete: %v", err)
		}
	}

	idx.mu.RLock()

	liveCount, deletedCount := 0, 0
	for _, n := range idx.nodes {
		if n == nil {
			continue
		}
		if n.Deleted {
			deletedCount++
			continue
		}
		liveCount++
		for layer := 0; layer <= n.MaxLayer; layer++ {
			if len(n.Neighbors[layer]) > idx.config.Mmax(layer) {
				t.Errorf("node %d layer %d: %d neighbors exceeds Mmax %d", n.ID, layer, len(n.Neighbors[layer]), idx.config.Mmax(layer))
			}
		}
	}

	if liveCount != idx.store.LiveCount() {
		t.Errorf("live node count %d != store.LiveCount() %d", liveCount, idx.store.LiveCount())
	}
	if liveCount+deletedCount != idx.store.Count() {
		t.Errorf("live+deleted %d != node_count %d", liveCount+deletedCount, idx.store.Count())
	}

	if idx.hasEntryPoint {
		if idx.nodes[idx.entryPoint].Deleted {
			t.Errorf("entry point %d is tombstoned", idx.entryPoint)
		}
		epLayer := idx.nodes[idx.entryPoint].MaxLayer
		for _, n := range idx.nodes {
			if n != nil && !n.Deleted && n.MaxLayer > epLayer {
				t.Errorf("node %d has MaxLayer %d > entry point's %d", n.ID, n.MaxLayer, epLayer)
			}
		}
	}
	idx.mu.RUnlock()

	// Soft delete never prunes edges (stale neighbor entries persist until the
	// next Compact), so the raw graph is not expected to be free of
	// tombstoned neighbor ids. What must hold is the search-visible contract:
	// a tombstone is reachable through stored edges but never surfaces in a
	// result set, at any ef.
	for _, q := range randomVectors(30, 12, 12) {
		results, err := idx.Search(q, 10, 200)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		for _, r := range results {
			if idx.IsDeleted(r.ID) {
				t.Errorf("search returned tombstoned id %d", r.ID)
			}
		}
	}
}

func TestSoftDeleteIdempotentAndInvalidId(t *testing.T) {
	idx := newTestIndex(t, 4, 12)
	id, err := idx.Insert([]float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := idx.SoftDelete(id); err != nil {
		t.Fatalf("first SoftDelete: %v", err)
	}
	if err := idx.SoftDelete(id); err != nil {
		t.Fatalf("second SoftDelete (idempotent) returned error: %v", err)
	}
	if !idx.IsDeleted(id) {
		t.Errorf("id %d should be deleted", id)
	}

	if err := idx.SoftDelete(storage.VectorId(9999)); err == nil {
		t.Errorf("expected InvalidIdError for unknown id")
	}
}

func TestEntryPointPromotionAfterDeletingEntryPoint(t *testing.T) {
	idx := newTestIndex(t, 4, 13)
	for i := 0; i < 50; i++ {
		if _, err := idx.Insert(randomVectors(1, 4, int64(100+i))[0]); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	idx.mu.RLock()
	ep := idx.entryPoint
	idx.mu.RUnlock()

	if err := idx.SoftDelete(ep); err != nil {
		t.Fatalf("SoftDelete entry point: %v", err)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if !idx.hasEntryPoint {
		t.Fatalf("expected a promoted entry point")
	}
	if idx.entryPoint == ep {
		t.Fatalf("entry point did not change after deleting it")
	}
	if idx.nodes[idx.entryPoint].Deleted {
		t.Fatalf("promoted entry point is tombstoned")
	}
}

// P15: compaction preserves the live subset and produces a consistent
// permutation; deleted ids have no entry in the returned map.
func TestCompactionPermutationAndLiveness(t *testing.T) {
	idx := newTestIndex(t, 6, 14)
	vecs := randomVectors(150, 6, 15)

	var ids []storage.VectorId
	for _, v := range vecs {
		id, err := idx.InsertWithMetadata(v, map[string]interface{}{"tag": "a"})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, id)
	}

	deleted := make(map[storage.VectorId]bool)
	rng := rand.New(rand.NewSource(16))
	for i := 0; i < 40; i++ {
		victim := ids[rng.Intn(len(ids))]
		if !deleted[victim] {
			if err := idx.SoftDelete(victim); err != nil {
				t.Fatalf("SoftDelete: %v", err)
			}
			deleted[victim] = true
		}
	}

	wantLive := len(ids) - len(deleted)

	result, perm, err := idx.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if result.NewCount != wantLive {
		t.Errorf("NewCount = %d, want %d", result.NewCount, wantLive)
	}
	if result.TombstonesRemoved != len(deleted) {
		t.Errorf("TombstonesRemoved = %d, want %d", result.TombstonesRemoved, len(deleted))
	}

	for _, id := range ids {
		_, present := perm[id]
		if deleted[id] && present {
			t.Errorf("tombstoned id %d has a permutation entry", id)
		}
		if !deleted[id] && !present {
			t.Errorf("live id %d missing from permutation", id)
		}
	}

	if idx.store.LiveCount() != wantLive {
		t.Errorf("post-compact LiveCount = %d, want %d", idx.store.LiveCount(), wantLive)
	}
	if idx.store.DeletedCount() != 0 {
		t.Errorf("post-compact DeletedCount = %d, want 0", idx.store.DeletedCount())
	}

	for _, n := range idx.nodes {
		if n == nil {
			t.Fatalf("nil node after compaction rebuild")
		}
		for layer := 0; layer <= n.MaxLayer; layer++ {
			for _, nb := range n.Neighbors[layer] {
				if int(nb) >= len(idx.nodes) || idx.nodes[nb] == nil {
					t.Errorf("node %d references neighbor %d outside rebuilt graph", n.ID, nb)
				}
			}
		}
	}
}

// P15: compaction never changes what a query finds, only the ids those
// results are named by. Search results from before Compact(), with their
// ids pushed through the returned permutation, must match Search results
// from after Compact() exactly, as a set.
func TestCompactionPreservesSearchResultSet(t *testing.T) {
	idx := newTestIndex(t, 6, 18)
	vecs := randomVectors(200, 6, 19)

	var ids []storage.VectorId
	for _, v := range vecs {
		id, err := idx.Insert(v)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, id)
	}

	rng := rand.New(rand.NewSource(20))
	for i := 0; i < 60; i++ {
		if err := idx.SoftDelete(ids[rng.Intn(len(ids))]); err != nil {
			t.Fatalf("SoftDelete: %v", err)
		}
	}

	queries := randomVectors(100, 6, 21)
	const k = 10

	before := make([][]storage.VectorId, len(queries))
	for i, q := range queries {
		results, err := idx.Search(q, k, 100)
		if err != nil {
			t.Fatalf("pre-compact Search %d: %v", i, err)
		}
		for _, r := range results {
			before[i] = append(before[i], r.ID)
		}
	}

	_, perm, err := idx.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}

	for i, q := range queries {
		wantIDs := make(map[storage.VectorId]bool, len(before[i]))
		for _, id := range before[i] {
			newID, ok := perm[id]
			if !ok {
				t.Fatalf("query %d: pre-compact result %d has no permutation entry", i, id)
			}
			wantIDs[newID] = true
		}

		results, err := idx.Search(q, k, 100)
		if err != nil {
			t.Fatalf("post-compact Search %d: %v", i, err)
		}
		if len(results) != len(wantIDs) {
			t.Fatalf("query %d: post-compact result count = %d, want %d", i, len(results), len(wantIDs))
		}
		for _, r := range results {
			if !wantIDs[r.ID] {
				t.Errorf("query %d: post-compact result %d not in remapped pre-compact set", i, r.ID)
			}
		}
	}
}

func TestNeedsCompaction(t *testing.T) {
	idx := newTestIndex(t, 4, 17)
	idx.config.CompactionThreshold = 0.2

	var ids []storage.VectorId
	for i := 0; i < 100; i++ {
		id, err := idx.Insert(randomVectors(1, 4, int64(200+i))[0])
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, id)
	}

	if idx.NeedsCompaction() {
		t.Fatalf("should not need compaction yet")
	}

	for i := 0; i < 25; i++ {
		if err := idx.SoftDelete(ids[i]); err != nil {
			t.Fatalf("SoftDelete: %v", err)
		}
	}

	if !idx.NeedsCompaction() {
		t.Fatalf("expected NeedsCompaction after crossing threshold")
	}
}

func TestBatchInsertSkipsInvalidDimensions(t *testing.T) {
	idx := newTestIndex(t, 4, 18)

	vecs := [][]float32{
		{1, 2, 3, 4},
		{1, 2, 3}, // wrong dimension
		{5, 6, 7, 8},
		{float32(math.NaN()), 0, 0, 0}, // invalid content
	}

	inserted, skipped := idx.BatchInsert(vecs)
	if len(inserted) != 2 {
		t.Errorf("inserted = %d, want 2", len(inserted))
	}
	if len(skipped) != 2 {
		t.Errorf("skipped = %d, want 2", len(skipped))
	}
	if skipped[0].Index != 1 || skipped[1].Index != 3 {
		t.Errorf("unexpected skip indices: %+v", skipped)
	}
}

func TestSearchOnEmptyIndexReturnsEmptyNotError(t *testing.T) {
	idx := newTestIndex(t, 4, 19)
	results, err := idx.Search([]float32{1, 2, 3, 4}, 5, 10)
	if err != nil {
		t.Fatalf("Search on empty index returned error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results, got %d", len(results))
	}
}

func TestSearchBQRescoring(t *testing.T) {
	cfg := DefaultConfig(16)
	cfg.BQEnabled = true
	cfg.Seed = 20
	idx, err := NewIndex(cfg)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	vecs := randomVectors(300, 16, 21)
	for _, v := range vecs {
		if _, err := idx.Insert(v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	q := randomVectors(1, 16, 22)[0]
	results, err := idx.SearchBQ(q, 10, 10)
	if err != nil {
		t.Fatalf("SearchBQ: %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Fatalf("BQ rescored distances not sorted at %d", i)
		}
	}
}

func TestSearchBQWithoutQuantizerIsUnsupported(t *testing.T) {
	idx := newTestIndex(t, 8, 23)
	if _, err := idx.Insert(randomVectors(1, 8, 24)[0]); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, err := idx.SearchBQ(randomVectors(1, 8, 25)[0], 1, 5)
	if err == nil {
		t.Fatalf("expected an error when BQ is not enabled")
	}
}
