package embeddings

import (
	"math"
	"sort"
)

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

// Scored pairs an index into a candidate list with its similarity.
type Scored struct {
	Index int
	Score float32
}

// TopK scores every vector against query and returns the best k,
// highest first. Ties keep candidate order.
func TopK(query []float32, vectors [][]float32, k int) []Scored {
	scores := make([]Scored, len(vectors))
	for i, v := range vectors {
		scores[i] = Scored{Index: i, Score: CosineSimilarity(query, v)}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })

	if k < 0 {
		k = 0
	}
	if k < len(scores) {
		scores = scores[:k]
	}
	return scores
}
