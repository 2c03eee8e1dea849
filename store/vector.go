package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PackEmbedding packs a vector into a compact binary blob (little-endian
// f32), the on-disk representation of the embedding_blob column. Nil and
// empty vectors pack to nil so the column stays NULL.
func PackEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(embedding))
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// UnpackEmbedding unpacks a blob created by PackEmbedding. The vector
// length is inferred from the blob length.
func UnpackEmbedding(blob []byte) []float32 {
	if len(blob) == 0 {
		return nil
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}

// CosineSimilarity computes cosine similarity between two vectors in pure
// Go. Returns 0 if either vector has zero magnitude. Vectors of different
// lengths are an error so callers can skip mismatched candidates.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must be the same length (got %d and %d)", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}

	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}
