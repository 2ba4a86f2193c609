// Package embeddingstest provides a deterministic embedder for tests.
package embeddingstest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"unicode"
)

// BagOfWords embeds text by hashing each lowercased word into one of Dims
// buckets and normalizing. Texts sharing words score high under cosine
// similarity, which is enough to exercise retrieval without a model.
type BagOfWords struct {
	Dims int
	// Err, when set, is returned by every call.
	Err error

	calls atomic.Int64
}

// New returns a BagOfWords embedder with dims buckets.
func New(dims int) *BagOfWords {
	return &BagOfWords{Dims: dims}
}

// Generate implements embeddings.Embedder.
func (b *BagOfWords) Generate(_ context.Context, text string) ([]float32, error) {
	b.calls.Add(1)
	if b.Err != nil {
		return nil, b.Err
	}
	v := make([]float32, b.Dims)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(b.Dims)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v, nil
}

// Calls reports how many times Generate ran.
func (b *BagOfWords) Calls() int64 {
	return b.calls.Load()
}
