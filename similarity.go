package banter

import "math"

// SimilarityTolerance bounds the numeric error accepted when comparing
// cosine similarities computed from float32 vectors.
const SimilarityTolerance = 1e-6

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
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
