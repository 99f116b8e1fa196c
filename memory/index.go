package memory

import (
	"github.com/coder/hnsw"
)

// vectorIndex is a per-owner approximate-nearest-neighbor index over node
// embeddings. It lets insert find the best-matching existing node without
// scanning the whole arena. Callers hold the owner lock; the index itself is
// not safe for concurrent mutation.
type vectorIndex struct {
	graph *hnsw.Graph[string]
	size  int
}

func newVectorIndex() *vectorIndex {
	return &vectorIndex{graph: hnsw.NewGraph[string]()}
}

// Upsert adds or replaces a node's embedding.
func (ix *vectorIndex) Upsert(id string, vec []float32) {
	if len(vec) == 0 {
		return
	}
	if ix.graph.Delete(id) {
		ix.size--
	}
	ix.graph.Add(hnsw.MakeNode(id, vec))
	ix.size++
}

// Remove drops a node from the index. Removing an unindexed node is a no-op.
func (ix *vectorIndex) Remove(id string) {
	if ix.graph.Delete(id) {
		ix.size--
	}
}

// indexMatch is one nearest-neighbor candidate with its exact cosine
// similarity to the query.
type indexMatch struct {
	ID         string
	Similarity float64
}

// Nearest returns up to k candidates ranked by cosine similarity. The graph's
// own distance ordering is approximate; exact similarity is recomputed from
// the stored vectors so thresholds compare against true values.
func (ix *vectorIndex) Nearest(vec []float32, k int) []indexMatch {
	if len(vec) == 0 || ix.size == 0 || k <= 0 {
		return nil
	}
	neighbors := ix.graph.Search(vec, k)
	matches := make([]indexMatch, 0, len(neighbors))
	for _, n := range neighbors {
		matches = append(matches, indexMatch{
			ID:         n.Key,
			Similarity: CosineSimilarity(vec, n.Value),
		})
	}
	return matches
}
