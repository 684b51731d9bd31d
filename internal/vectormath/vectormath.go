// Package vectormath holds the small pieces of vector arithmetic shared
// by the attacher, consolidator, thought generator, and retriever.
package vectormath

import "math"

// Cosine returns the cosine similarity of two equal-length vectors.
// Mismatched lengths or zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize returns the L2-normalized copy of v. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Align adapts v to dim: truncating when too long, or expanding by
// cyclic repetition followed by L2 normalization when too short.
func Align(v []float32, dim int) []float32 {
	if dim <= 0 || len(v) == 0 {
		return nil
	}
	if len(v) == dim {
		return v
	}
	if len(v) > dim {
		out := make([]float32, dim)
		copy(out, v[:dim])
		return out
	}
	out := make([]float32, dim)
	for i := 0; i < dim; i++ {
		out[i] = v[i%len(v)]
	}
	return Normalize(out)
}

// Mean returns the arithmetic mean of the given equal-length vectors.
// Vectors whose length differs from the first are skipped.
func Mean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	count := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		count++
	}
	if count == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(count))
	}
	return out
}

// UpdateCentroid applies the online weighted-average rule: with prior
// centroid c over n members and new vector v, the new centroid is
// (c*n + v) / (n+1). Mismatched lengths return c unchanged.
func UpdateCentroid(c []float32, n int, v []float32) []float32 {
	if len(c) == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	if len(c) != len(v) || n < 0 {
		return c
	}
	out := make([]float32, len(c))
	fn := float64(n)
	for i := range c {
		out[i] = float32((float64(c[i])*fn + float64(v[i])) / (fn + 1))
	}
	return out
}
