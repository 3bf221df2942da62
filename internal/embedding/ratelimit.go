package embedding

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds calls to a remote embedding service.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate; 0 means unlimited.
	RequestsPerMinute int
	// Burst is the number of calls allowed back to back (default: 1).
	Burst int
}

// RateLimited wraps a Provider so calls wait for capacity. Waiting respects
// ctx; a call that cannot get capacity before its deadline fails at once.
type RateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with cfg's limits.
func NewRateLimited(inner Provider, cfg RateLimitConfig) *RateLimited {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, wrapErr(r.inner.Model(), err)
	}
	return r.inner.Embed(ctx, text)
}

func (r *RateLimited) Dimension() int { return r.inner.Dimension() }

func (r *RateLimited) Model() string { return r.inner.Model() }

// Close closes the wrapped provider if it holds resources.
func (r *RateLimited) Close() error {
	if c, ok := r.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
