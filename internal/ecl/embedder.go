// Package ecl keeps per-domain embeddings current as versions commit and
// flags queries that may have missed newer information.
package ecl

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/starford/veritas/internal/textsim"
)

// Embedder maps text to a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HashEmbedder is a deterministic feature-hashing embedder over keywords.
// Each keyword adds ±1 to one of Dim buckets chosen by its SHA-256.
type HashEmbedder struct {
	Dim int
}

const defaultDim = 64

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	dim := h.Dim
	if dim <= 0 {
		dim = defaultDim
	}
	vec := make([]float64, dim)
	for _, kw := range textsim.Keywords(text) {
		sum := sha256.Sum256([]byte(kw))
		i := binary.BigEndian.Uint32(sum[:4]) % uint32(dim)
		if sum[4]&1 == 0 {
			vec[i]++
		} else {
			vec[i]--
		}
	}
	return Normalize(vec), nil
}

// Normalize scales v to unit length in place. A zero vector is returned
// unchanged.
func Normalize(v []float64) []float64 {
	var n float64
	for _, x := range v {
		n += x * x
	}
	if n == 0 {
		return v
	}
	n = math.Sqrt(n)
	for i := range v {
		v[i] /= n
	}
	return v
}

// Blend moves old towards update by rate and renormalizes. Mismatched
// dimensions replace old outright.
func Blend(old, update []float64, rate float64) []float64 {
	if len(old) != len(update) {
		return Normalize(append([]float64(nil), update...))
	}
	out := make([]float64, len(old))
	for i := range old {
		out[i] = (1-rate)*old[i] + rate*update[i]
	}
	return Normalize(out)
}

// Cosine is the cosine similarity of two vectors, 0 when either is zero or
// the dimensions differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
