// Package memory is the per-user conversation memory of the assistant. A
// Manager embeds each (prompt, reply) exchange, stores it in a vector
// backend and answers similarity searches through two caches.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/efebarandurmaz/mnemo/internal/embedding"
	"github.com/efebarandurmaz/mnemo/internal/logging"
	"github.com/efebarandurmaz/mnemo/internal/observability"
	"github.com/efebarandurmaz/mnemo/internal/store"
)

const (
	// DefaultSearchLimit is the number of memories Search returns when the
	// caller passes a non-positive limit.
	DefaultSearchLimit = 2
	// DefaultOperationTimeout bounds every backend call.
	DefaultOperationTimeout = 10 * time.Second
)

// Memory is a search result.
type Memory struct {
	Text   string  `json:"text"`
	Prompt string  `json:"prompt"`
	Reply  string  `json:"reply"`
	Score  float64 `json:"score"`
}

// Mode tells which backend a Manager runs on.
type Mode int

const (
	ModePrimary Mode = iota + 1
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModePrimary:
		return "primary"
	case ModeFallback:
		return "fallback"
	default:
		return "uninitialized"
	}
}

// Connector opens a store backend.
type Connector func(ctx context.Context) (store.Store, error)

// Options configures New.
type Options struct {
	// Provider computes embeddings. Required.
	Provider embedding.Provider
	// Primary opens the preferred backend. When nil the Manager starts on
	// the fallback.
	Primary Connector
	// Fallback opens the backend used when Primary is nil or fails. When nil,
	// or when it fails too, an in-process store is used.
	Fallback Connector

	EmbeddingCacheSize int
	SearchCacheShards  int
	OperationTimeout   time.Duration
	// DefaultLimit replaces a non-positive Search limit. Zero selects
	// DefaultSearchLimit.
	DefaultLimit int
	Metrics      *observability.Metrics
}

// Manager is safe for concurrent use. The backend is chosen once by New and
// never changes afterwards.
type Manager struct {
	embedder *embedding.Cache
	backend  store.Store
	mode     Mode
	reason   error
	searches *searchCache
	metrics  *observability.Metrics
	timeout  time.Duration
	limit    int
}

// New builds a Manager. If the primary backend cannot be reached the Manager
// logs the failure once and runs on the fallback for the rest of its life.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, errors.New("memory: embedding provider is required")
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultSearchLimit
	}

	m := &Manager{
		searches: newSearchCache(opts.SearchCacheShards),
		metrics:  opts.Metrics,
		timeout:  opts.OperationTimeout,
		limit:    opts.DefaultLimit,
	}
	m.embedder = embedding.NewCache(opts.Provider, opts.EmbeddingCacheSize,
		embedding.WithLookupHook(m.metrics.EmbeddingCacheLookup),
		embedding.WithComputeTimeout(opts.OperationTimeout))

	if opts.Primary != nil {
		backend, err := opts.Primary(ctx)
		if err == nil {
			m.backend, m.mode = backend, ModePrimary
			m.metrics.SetFallback(false)
			logging.Infof("memory manager using %s backend", backend.Name())
			return m, nil
		}
		m.reason = err
		logging.Warnf("memory backend unavailable, falling back for the process lifetime: %v", err)
	}

	m.backend, m.mode = openFallback(ctx, opts.Fallback), ModeFallback
	m.metrics.SetFallback(m.reason != nil)
	logging.Infof("memory manager using %s backend", m.backend.Name())
	return m, nil
}

func openFallback(ctx context.Context, connect Connector) store.Store {
	if connect == nil {
		return store.NewMemoryStore()
	}
	s, err := connect(ctx)
	if err != nil {
		logging.Errorf("fallback backend unavailable, keeping memories in process: %v", err)
		return store.NewMemoryStore()
	}
	return s
}

// Mode reports the backend the Manager settled on.
func (m *Manager) Mode() Mode { return m.mode }

// Backend returns the name of the active backend.
func (m *Manager) Backend() string { return m.backend.Name() }

// FallbackReason returns the error that made the Manager abandon its primary
// backend, or nil.
func (m *Manager) FallbackReason() error { return m.reason }

// CombinedText is the text embedded for a stored exchange.
func CombinedText(prompt, reply string) string {
	return "User: " + prompt + "\nAI: " + reply
}

// Add stores an exchange for userID. It reports false if the exchange could
// not be embedded or stored; the error is logged, never returned. Cached
// searches of the user are dropped before Add returns.
func (m *Manager) Add(ctx context.Context, userID, prompt, reply string) bool {
	ctx, span := observability.StartMemorySpan(ctx, "add", userID)
	defer span.End()
	start := time.Now()

	vec, err := m.embedder.GetOrCompute(ctx, CombinedText(prompt, reply))
	if err != nil {
		logging.Errorf("add memory for user %s: %v", userID, err)
		observability.RecordError(span, err)
		m.metrics.Operation("add", false)
		return false
	}

	m.invalidate(userID)
	var id string
	err = m.call(ctx, "insert", func(ctx context.Context) error {
		var err error
		id, err = m.backend.Insert(ctx, userID, prompt, reply, vec)
		return err
	})
	// Searches that ran while the insert was in flight may have cached
	// results without it.
	m.invalidate(userID)
	if err != nil {
		logging.Errorf("add memory for user %s: %v", userID, err)
		observability.RecordError(span, err)
		m.metrics.Operation("add", false)
		return false
	}

	logging.Debugf("stored memory %s for user %s in %.3fs", id, userID, time.Since(start).Seconds())
	m.metrics.Operation("add", true)
	return true
}

// Search returns up to limit of userID's memories most similar to query,
// best first. A non-positive limit means Options.DefaultLimit. Failures
// are logged and yield an empty result.
func (m *Manager) Search(ctx context.Context, userID, query string, limit int) []Memory {
	if limit <= 0 {
		limit = m.limit
	}
	ctx, span := observability.StartMemorySpan(ctx, "search", userID)
	defer span.End()
	start := time.Now()

	if cached, ok := m.searches.get(userID, query, limit); ok {
		m.metrics.SearchCacheLookup(true)
		observability.RecordSearchResult(span, limit, len(cached), true)
		logging.Debugf("search cache hit for user %s", userID)
		return cached
	}
	m.metrics.SearchCacheLookup(false)
	gen := m.searches.generation(userID)

	vec, err := m.embedder.GetOrCompute(ctx, query)
	if err != nil {
		logging.Errorf("search memory for user %s: %v", userID, err)
		observability.RecordError(span, err)
		m.metrics.Operation("search", false)
		return []Memory{}
	}

	var hits []store.Hit
	err = m.call(ctx, "search", func(ctx context.Context) error {
		var err error
		hits, err = m.backend.Search(ctx, userID, vec, limit)
		return err
	})
	if err != nil {
		logging.Errorf("search memory for user %s: %v", userID, err)
		observability.RecordError(span, err)
		m.metrics.Operation("search", false)
		return []Memory{}
	}

	memories := make([]Memory, len(hits))
	for i, h := range hits {
		memories[i] = Memory{
			Text:   CombinedText(h.Prompt, h.Reply),
			Prompt: h.Prompt,
			Reply:  h.Reply,
			Score:  h.Score,
		}
	}
	m.searches.put(userID, query, limit, gen, memories)

	observability.RecordSearchResult(span, limit, len(memories), false)
	logging.Debugf("searched memories for user %s in %.3fs (%d results)", userID, time.Since(start).Seconds(), len(memories))
	m.metrics.Operation("search", true)
	return memories
}

// Clear deletes every memory of userID and drops the user's cached searches.
// It reports false only if the backend delete failed.
func (m *Manager) Clear(ctx context.Context, userID string) bool {
	ctx, span := observability.StartMemorySpan(ctx, "clear", userID)
	defer span.End()

	var n int
	err := m.call(ctx, "delete", func(ctx context.Context) error {
		var err error
		n, err = m.backend.DeleteAll(ctx, userID)
		return err
	})
	m.invalidate(userID)
	if err != nil {
		logging.Errorf("clear memories for user %s: %v", userID, err)
		observability.RecordError(span, err)
		m.metrics.Operation("clear", false)
		return false
	}

	logging.Infof("cleared %d memories for user %s", n, userID)
	m.metrics.Operation("clear", true)
	return true
}

// FormatContext renders memories as a prompt preamble.
func (m *Manager) FormatContext(memories []Memory) string {
	return FormatContext(memories)
}

// Ping checks the active backend when it supports health probes.
func (m *Manager) Ping(ctx context.Context) error {
	p, ok := m.backend.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("%s: %w", m.backend.Name(), err)
	}
	return nil
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}

func (m *Manager) invalidate(userID string) {
	m.metrics.SearchCacheInvalidated(m.searches.invalidate(userID))
}

// call runs one backend operation under the operation timeout.
func (m *Manager) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	ctx, span := observability.StartBackendSpan(ctx, m.backend.Name(), op)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	m.metrics.ObserveBackend(m.backend.Name(), op, start, err)
	observability.RecordError(span, err)
	return err
}
