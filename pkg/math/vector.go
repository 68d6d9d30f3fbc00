// Package math implements the float32 vector primitives shared by the
// local vector store, the hashing embedder and the near-duplicate filter.
package math

import (
	"math"
)

// CosineDistance computes cosine distance between two float32 vectors.
// Returns a value in [0, 2] where 0 = identical, 2 = opposite.
// Mismatched lengths are compared over the shorter prefix; empty input
// yields the maximum distance.
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 2.0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	// Single pass over the data, four lanes per step to help the CPU
	// pipeline. Accumulate in float64 so long vectors keep precision.
	var dot, normA, normB float64
	i := 0
	for ; i <= n-4; i += 4 {
		a0, a1, a2, a3 := float64(a[i]), float64(a[i+1]), float64(a[i+2]), float64(a[i+3])
		b0, b1, b2, b3 := float64(b[i]), float64(b[i+1]), float64(b[i+2]), float64(b[i+3])
		dot += a0*b0 + a1*b1 + a2*b2 + a3*b3
		normA += a0*a0 + a1*a1 + a2*a2 + a3*a3
		normB += b0*b0 + b1*b1 + b2*b2 + b3*b3
	}
	for ; i < n; i++ {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	denom := math.Sqrt(normA * normB)
	if denom == 0 {
		return 2.0
	}

	sim := dot / denom
	// Clamp against float error before converting to distance.
	if sim > 1.0 {
		sim = 1.0
	} else if sim < -1.0 {
		sim = -1.0
	}
	return 1.0 - sim
}

// CosineSimilarity computes cosine similarity (1 - distance).
// Returns a value in [-1, 1] where 1 = identical, -1 = opposite.
func CosineSimilarity(a, b []float32) float64 {
	return 1.0 - CosineDistance(a, b)
}

// DotProduct computes the inner product of two equal-length vectors.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var sum float64
	n := len(a)
	i := 0
	for ; i <= n-4; i += 4 {
		sum += float64(a[i])*float64(b[i]) +
			float64(a[i+1])*float64(b[i+1]) +
			float64(a[i+2])*float64(b[i+2]) +
			float64(a[i+3])*float64(b[i+3])
	}
	for ; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// NormalizeInPlace scales a vector to unit length in place. Zero vectors
// are left untouched.
func NormalizeInPlace(v []float32) {
	mag := math.Sqrt(DotProduct(v, v))
	if mag == 0 {
		return
	}

	inv := float32(1.0 / mag)
	for i := range v {
		v[i] *= inv
	}
}
