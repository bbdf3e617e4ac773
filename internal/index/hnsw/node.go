package hnsw

import "github.com/matte1782/edgevec/internal/storage"

// GraphNode is the in-memory representation of one graph vertex. Its
// on-disk counterpart (format.go) is a fixed-size, byte-castable record;
// this struct is the mutable working form the graph operates on.
type GraphNode struct {
	ID        storage.VectorId
	MaxLayer  int
	Neighbors [][]storage.VectorId // Neighbors[layer], len <= Mmax(layer)
	Deleted   bool
}

// Mmax returns the neighbor cap for layer: M0 at layer 0 (conventionally
// 2*M), M at every layer above 0.
func (c *Config) Mmax(layer int) int {
	if layer == 0 {
		return c.M0
	}
	return c.M
}
