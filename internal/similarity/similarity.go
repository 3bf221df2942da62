// Package similarity scores embedding vectors against each other.
package similarity

import (
	"cmp"
	"math"
	"slices"
)

// Cosine returns the cosine similarity of a and b in [-1, 1]. It returns 0
// when either vector has zero norm or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Rounding can push parallel vectors just past the bounds.
	return math.Max(-1, math.Min(1, s))
}

// Candidate is an item with the vector it is ranked by.
type Candidate[T any] struct {
	Item   T
	Vector []float32
}

// Scored is a candidate item with its similarity to the query.
type Scored[T any] struct {
	Item  T
	Score float64
}

// TopK ranks candidates by cosine similarity to query and returns the best k,
// highest first. Equal scores keep their input order. k <= 0 returns nothing
// and k >= len(candidates) returns every candidate.
func TopK[T any](query []float32, candidates []Candidate[T], k int) []Scored[T] {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	scored := make([]Scored[T], len(candidates))
	for i, c := range candidates {
		scored[i] = Scored[T]{Item: c.Item, Score: Cosine(query, c.Vector)}
	}
	slices.SortStableFunc(scored, func(a, b Scored[T]) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if k < len(scored) {
		scored = scored[:k]
	}
	return scored
}
