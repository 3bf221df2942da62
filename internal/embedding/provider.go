// Package embedding turns text into fixed-dimension vectors and caches the
// results.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// DefaultModel is the sentence-embedding model the service is tuned for.
const DefaultModel = "all-MiniLM-L6-v2"

// DefaultDimension is the output size of DefaultModel.
const DefaultDimension = 384

// Provider maps text to a vector. For a given provider every vector has
// length Dimension() and equal inputs give equal outputs.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}

// ErrEmbedding matches every failure raised while computing an embedding.
var ErrEmbedding = errors.New("embedding failed")

// Error wraps a provider failure.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedding (%s): %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports ErrEmbedding as a match so callers need not know the wrapped cause.
func (e *Error) Is(target error) bool { return target == ErrEmbedding }

func wrapErr(provider string, err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	return &Error{Provider: provider, Err: err}
}
