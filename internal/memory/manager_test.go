package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/mnemo/internal/embedding"
	"github.com/efebarandurmaz/mnemo/internal/observability"
	"github.com/efebarandurmaz/mnemo/internal/store"
)

type countingProvider struct {
	inner embedding.Provider
	calls atomic.Int64
	fail  error
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	if p.fail != nil {
		return nil, p.fail
	}
	return p.inner.Embed(ctx, text)
}

func (p *countingProvider) Dimension() int { return p.inner.Dimension() }
func (p *countingProvider) Model() string  { return "counting" }

// brokenStore fails every operation.
type brokenStore struct{ err error }

func (s *brokenStore) Name() string { return "broken" }
func (s *brokenStore) Insert(context.Context, string, string, string, []float32) (string, error) {
	return "", s.err
}
func (s *brokenStore) Search(context.Context, string, []float32, int) ([]store.Hit, error) {
	return nil, s.err
}
func (s *brokenStore) DeleteAll(context.Context, string) (int, error) { return 0, s.err }
func (s *brokenStore) Close() error                                   { return nil }

func connectTo(s store.Store) Connector {
	return func(context.Context) (store.Store, error) { return s, nil }
}

func unreachable(context.Context) (store.Store, error) {
	return nil, &store.ConnectError{Backend: "milvus", Err: errors.New("connection refused")}
}

func newTestManager(t *testing.T, opts Options) (*Manager, *countingProvider) {
	t.Helper()
	p := &countingProvider{inner: embedding.NewHashingProvider(embedding.DefaultDimension)}
	if opts.Provider == nil {
		opts.Provider = p
	}
	if opts.Primary == nil && opts.Fallback == nil {
		opts.Primary = connectTo(store.NewMemoryStore())
	}
	m, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, p
}

func TestManager_RecallsMostRelevantExchange(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{})

	require.True(t, m.Add(ctx, "u1", "I feel anxious", "Try deep breathing"))
	require.True(t, m.Add(ctx, "u1", "I can't sleep", "Try a bedtime routine"))

	got := m.Search(ctx, "u1", "breathing techniques", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "I feel anxious", got[0].Prompt)
	assert.Equal(t, "Try deep breathing", got[0].Reply)
	assert.Equal(t, "User: I feel anxious\nAI: Try deep breathing", got[0].Text)
	assert.Greater(t, got[0].Score, 0.0)

	both := m.Search(ctx, "u1", "breathing techniques", 2)
	require.Len(t, both, 2)
	assert.Equal(t, "I feel anxious", both[0].Prompt)
	assert.GreaterOrEqual(t, both[0].Score, both[1].Score)
}

func TestManager_DefaultLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{})
	for i := range 4 {
		require.True(t, m.Add(ctx, "u1", fmt.Sprintf("question %d", i), "answer"))
	}
	assert.Len(t, m.Search(ctx, "u1", "question", 0), DefaultSearchLimit)
	assert.Len(t, m.Search(ctx, "u1", "question", -3), DefaultSearchLimit)
	assert.Len(t, m.Search(ctx, "u1", "question", 10), 4)
}

func TestManager_ConfiguredDefaultLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{DefaultLimit: 3})
	for i := range 5 {
		require.True(t, m.Add(ctx, "u1", fmt.Sprintf("question %d", i), "answer"))
	}
	assert.Len(t, m.Search(ctx, "u1", "question", 0), 3)
	assert.Len(t, m.Search(ctx, "u1", "question", 1), 1)
}

func TestManager_RepeatedSearchServedFromCache(t *testing.T) {
	ctx := context.Background()
	m, p := newTestManager(t, Options{})
	require.True(t, m.Add(ctx, "u1", "I feel anxious", "Try deep breathing"))

	first := m.Search(ctx, "u1", "anxious", 2)
	calls := p.calls.Load()
	second := m.Search(ctx, "u1", "anxious", 2)

	assert.Equal(t, first, second)
	assert.Equal(t, calls, p.calls.Load())
	assert.Equal(t, 1, m.searches.len())
}

func TestManager_AddInvalidatesCachedSearches(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{})

	assert.Empty(t, m.Search(ctx, "u1", "sleep", 2))
	require.True(t, m.Add(ctx, "u1", "I can't sleep", "Try a bedtime routine"))

	got := m.Search(ctx, "u1", "sleep", 2)
	require.Len(t, got, 1)
	assert.Equal(t, "I can't sleep", got[0].Prompt)
}

func TestManager_WritesOnlyInvalidateTheirUser(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{})
	require.True(t, m.Add(ctx, "u1", "hello", "hi"))

	m.Search(ctx, "u1", "hello", 2)
	m.Search(ctx, "u2", "hello", 2)
	require.Equal(t, 2, m.searches.len())

	require.True(t, m.Add(ctx, "u2", "hello", "hey"))
	assert.Equal(t, 1, m.searches.len())
	_, ok := m.searches.get("u1", "hello", 2)
	assert.True(t, ok)
}

func TestManager_UsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{})
	require.True(t, m.Add(ctx, "alice", "my cat is called Tom", "Nice name"))
	require.True(t, m.Add(ctx, "bob", "my dog is called Rex", "Good dog"))

	got := m.Search(ctx, "alice", "what is my pet called", 5)
	require.Len(t, got, 1)
	assert.Equal(t, "my cat is called Tom", got[0].Prompt)
	assert.Empty(t, m.Search(ctx, "carol", "what is my pet called", 5))
}

func TestManager_Clear(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{})
	require.True(t, m.Add(ctx, "u1", "hello", "hi"))
	require.True(t, m.Add(ctx, "u2", "hello", "hi"))
	require.Len(t, m.Search(ctx, "u1", "hello", 2), 1)

	assert.True(t, m.Clear(ctx, "u1"))
	assert.Empty(t, m.Search(ctx, "u1", "hello", 2))
	assert.Len(t, m.Search(ctx, "u2", "hello", 2), 1)

	assert.True(t, m.Clear(ctx, "u1"))
	assert.True(t, m.Clear(ctx, "nobody"))
}

func TestManager_FallsBackWhenPrimaryUnreachable(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{
		Primary: unreachable,
		Metrics: observability.NewMetrics(prometheus.NewRegistry()),
	})

	assert.Equal(t, ModeFallback, m.Mode())
	assert.Equal(t, "memory", m.Backend())
	require.Error(t, m.FallbackReason())
	assert.ErrorIs(t, m.FallbackReason(), store.ErrConnect)

	require.True(t, m.Add(ctx, "u1", "I feel anxious", "Try deep breathing"))
	got := m.Search(ctx, "u1", "breathing", 2)
	require.Len(t, got, 1)
	assert.Equal(t, "Try deep breathing", got[0].Reply)
}

func TestManager_FallbackConnector(t *testing.T) {
	fallback := store.NewMemoryStore()
	m, _ := newTestManager(t, Options{
		Primary:  unreachable,
		Fallback: connectTo(fallback),
	})
	require.True(t, m.Add(context.Background(), "u1", "hello", "hi"))
	assert.Equal(t, 1, fallback.Count("u1"))
}

func TestManager_BrokenFallbackConnectorUsesProcessMemory(t *testing.T) {
	m, _ := newTestManager(t, Options{
		Primary: unreachable,
		Fallback: func(context.Context) (store.Store, error) {
			return nil, errors.New("disk full")
		},
	})
	assert.Equal(t, ModeFallback, m.Mode())
	assert.Equal(t, "memory", m.Backend())
	assert.True(t, m.Add(context.Background(), "u1", "hello", "hi"))
}

func TestManager_NoPrimaryRunsOnFallback(t *testing.T) {
	m, _ := newTestManager(t, Options{Fallback: connectTo(store.NewMemoryStore())})
	assert.Equal(t, ModeFallback, m.Mode())
	assert.NoError(t, m.FallbackReason())
}

func TestManager_PrimaryMode(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	assert.Equal(t, ModePrimary, m.Mode())
	assert.Equal(t, "primary", m.Mode().String())
	assert.NoError(t, m.FallbackReason())
	assert.NoError(t, m.Ping(context.Background()))
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(context.Background(), Options{Primary: connectTo(store.NewMemoryStore())})
	require.Error(t, err)
}

func TestManager_EmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	p := &countingProvider{
		inner: embedding.NewHashingProvider(8),
		fail:  errors.New("model not loaded"),
	}
	m, _ := newTestManager(t, Options{Provider: p})

	assert.False(t, m.Add(ctx, "u1", "hello", "hi"))
	got := m.Search(ctx, "u1", "hello", 2)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Zero(t, m.searches.len())
}

func TestManager_BackendFailure(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{
		Primary: connectTo(&brokenStore{err: errors.New("timeout")}),
	})
	assert.Equal(t, "broken", m.Backend())

	assert.False(t, m.Add(ctx, "u1", "hello", "hi"))
	got := m.Search(ctx, "u1", "hello", 2)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.False(t, m.Clear(ctx, "u1"))
	assert.Zero(t, m.searches.len())
}

func TestManager_ConcurrentUsers(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{})

	var wg sync.WaitGroup
	for u := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", u)
			for i := range 5 {
				m.Add(ctx, user, fmt.Sprintf("note %d", i), "ok")
				m.Search(ctx, user, "note", 3)
			}
		}()
	}
	wg.Wait()

	for u := range 8 {
		got := m.Search(ctx, fmt.Sprintf("user-%d", u), "note", 10)
		assert.Len(t, got, 5)
	}
}

func TestFormatContext(t *testing.T) {
	assert.Equal(t, "", FormatContext(nil))

	got := FormatContext([]Memory{
		{Prompt: "I feel anxious", Reply: "Try deep breathing"},
		{Prompt: "I can't sleep", Reply: "Try a bedtime routine"},
	})
	want := "Here are some relevant previous interactions:\n\n" +
		"Memory 1:\nUser: I feel anxious\nAI: Try deep breathing\n\n" +
		"Memory 2:\nUser: I can't sleep\nAI: Try a bedtime routine\n\n"
	assert.Equal(t, want, got)

	m, _ := newTestManager(t, Options{})
	assert.Equal(t, want, m.FormatContext([]Memory{
		{Prompt: "I feel anxious", Reply: "Try deep breathing"},
		{Prompt: "I can't sleep", Reply: "Try a bedtime routine"},
	}))
}
