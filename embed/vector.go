package embed

import (
	"math"
	"strings"
)

// DefaultChunkSize is the default maximum number of words per embedded
// text chunk.
const DefaultChunkSize = 256

// ChunkWords splits text into fixed-size word windows so that long
// documents are embedded as multiple segments. A non-positive size falls
// back to DefaultChunkSize. Empty or whitespace-only text yields no chunks.
func ChunkWords(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	chunks := make([]string, 0, (len(words)+size-1)/size)
	for start := 0; start < len(words); start += size {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}

// Normalize scales a vector to unit L2 length in place and returns it.
// Zero vectors are returned unchanged.
func Normalize(vector []float32) []float32 {
	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return vector
	}
	norm := float32(1 / math.Sqrt(sumSquares))
	for i := range vector {
		vector[i] *= norm
	}
	return vector
}

// NormalizeAll normalizes every vector in place and returns the slice.
func NormalizeAll(vectors [][]float32) [][]float32 {
	for _, v := range vectors {
		Normalize(v)
	}
	return vectors
}

// MeanPool averages a document's chunk vectors into one query vector and
// renormalizes it. Returns nil for empty input.
func MeanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	pooled := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		for i := range pooled {
			if i < len(v) {
				pooled[i] += v[i]
			}
		}
	}
	n := float32(len(vectors))
	for i := range pooled {
		pooled[i] /= n
	}
	return Normalize(pooled)
}

// Dot computes the inner product of two vectors. Over unit-normalized
// vectors this is the cosine similarity.
func Dot(a, b []float32) float32 {
	var sum float32
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	for i := 0; i < minLen; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
