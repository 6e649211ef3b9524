// Package facematch defines the face-descriptor comparison contract the
// engine consumes. The embedding model that produces descriptors is external;
// only the similarity function lives here.
package facematch

import "math"

// Comparator compares two fixed-length face descriptors and returns a
// similarity in [0, 1].
type Comparator interface {
	Compare(a, b []float32) float64
}

// Cosine is the default Comparator: cosine similarity rescaled from [-1, 1]
// into [0, 1]. Mismatched or empty descriptors compare as 0.
type Cosine struct{}

func (Cosine) Compare(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}
