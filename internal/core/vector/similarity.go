// Package vector holds the small amount of vector math the pipeline does in-process.
package vector

import (
	"fmt"
	"math"
)

// CosineSimilarity returns a value in [-1, 1]; 1 means the vectors point the same way.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same dimension: %d != %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("one or both vectors have zero magnitude")
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Normalize scales v to unit length in place. Zero vectors are left untouched.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	mag := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= mag
	}
}
