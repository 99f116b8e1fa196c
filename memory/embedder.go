package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
)

// Embedder is a pluggable interface for turning text into a fixed-length
// vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator is a pluggable interface for producing text from a prompt. It is
// the generative half of the model capability; the summarizer adapter is its
// only consumer in the core.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// EncodeEmbedding encodes a []float32 into a []byte for storage.
func EncodeEmbedding(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, f := range vec {
		u := math.Float32bits(f)
		binary.LittleEndian.PutUint32(b[i*4:], u)
	}
	return b
}

// DecodeEmbedding decodes a []byte into a []float32.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, errors.New("invalid embedding blob length")
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		u := binary.LittleEndian.Uint32(b[i*4:])
		vec[i] = math.Float32frombits(u)
	}
	return vec, nil
}

// CosineSimilarity between two equal-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// WeightedCentroid combines two vectors with the given weights and
// renormalizes to unit length. Used when a candidate is merged into an
// existing node: the surviving embedding is the importance-weighted centroid
// of the two.
func WeightedCentroid(a, b []float32, wa, wb float64) []float32 {
	if len(a) == 0 {
		return append([]float32(nil), b...)
	}
	if len(b) == 0 || len(a) != len(b) {
		return append([]float32(nil), a...)
	}
	total := wa + wb
	if total <= 0 {
		wa, wb, total = 1, 1, 2
	}
	out := make([]float32, len(a))
	var norm float64
	for i := range a {
		v := (float64(a[i])*wa + float64(b[i])*wb) / total
		out[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range out {
			out[i] = float32(float64(out[i]) / norm)
		}
	}
	return out
}
