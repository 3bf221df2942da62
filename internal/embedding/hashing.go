package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashingProvider is a deterministic bag-of-words embedder. Each lower-cased
// word is hashed into one of dim buckets and the counts are L2 normalised, so
// texts sharing words score a positive cosine similarity. It needs no model
// files and is used for development and tests.
type HashingProvider struct {
	dim int
}

// NewHashingProvider returns a hashing embedder with dim buckets. dim <= 0
// selects DefaultDimension.
func NewHashingProvider(dim int) *HashingProvider {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashingProvider{dim: dim}
}

func (p *HashingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr(p.Model(), err)
	}
	vec := make([]float32, p.dim)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(p.dim)]++
	}
	return normalize(vec), nil
}

func (p *HashingProvider) Dimension() int { return p.dim }

func (p *HashingProvider) Model() string { return "hashing" }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize scales vec to unit length in place. Zero vectors are returned as is.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
