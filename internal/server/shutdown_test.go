package server

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownHandler(t *testing.T) {
	h := NewShutdownHandler(nil)
	assert.Equal(t, 30*time.Second, h.timeout)
	assert.ElementsMatch(t, DefaultShutdownConfig().Signals, h.signals)

	h = NewShutdownHandler(&ShutdownConfig{Timeout: time.Second, Signals: []os.Signal{syscall.SIGHUP}})
	assert.Equal(t, time.Second, h.timeout)
	assert.Len(t, h.signals, 1)

	h = NewShutdownHandler(&ShutdownConfig{})
	assert.Equal(t, 30*time.Second, h.timeout)
	assert.Len(t, h.signals, 2)
}

func TestShutdownHandler_HookPriority(t *testing.T) {
	h := NewShutdownHandler(nil)
	h.RegisterHook("low", 100, func(ctx context.Context) error { return nil })
	h.RegisterHook("high", 10, func(ctx context.Context) error { return nil })
	h.RegisterHook("mid-a", 50, func(ctx context.Context) error { return nil })
	h.RegisterHook("mid-b", 50, func(ctx context.Context) error { return nil })

	var names []string
	for _, hook := range h.hooks {
		names = append(names, hook.Name)
	}
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, names)
}

func TestShutdownHandler_RunsHooksInOrder(t *testing.T) {
	h := NewShutdownHandler(&ShutdownConfig{Timeout: 5 * time.Second})

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	h.Add(TracingShutdownHook(record("tracing")))
	h.Add(MemoryShutdownHook(func() error { return record("memory")(context.Background()) }))
	h.Add(HTTPServerShutdownHook("http", record("http")))
	h.Add(LoggerSyncHook())

	h.Start()
	h.Shutdown()
	require.True(t, h.WaitWithTimeout(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"http", "memory", "tracing"}, order)
}

func TestShutdownHandler_HookErrorDoesNotStopOthers(t *testing.T) {
	h := NewShutdownHandler(&ShutdownConfig{Timeout: 5 * time.Second})

	var called bool
	h.Add(MemoryShutdownHook(func() error { return errors.New("close failed") }))
	h.RegisterHook("after", PriorityTracing, func(ctx context.Context) error {
		called = true
		return nil
	})

	h.Start()
	h.Shutdown()
	h.Wait()
	assert.True(t, called)
}

func TestShutdownHandler_WaitWithTimeout(t *testing.T) {
	h := NewShutdownHandler(nil)
	assert.False(t, h.WaitWithTimeout(20*time.Millisecond))

	h.Start()
	h.Start()
	h.Shutdown()
	h.Shutdown()
	assert.True(t, h.WaitWithTimeout(2*time.Second))
	select {
	case <-h.ShutdownCh():
	default:
		t.Fatal("shutdown channel should be closed")
	}
}

func TestShutdownHandler_ShutdownBeforeStart(t *testing.T) {
	h := NewShutdownHandler(nil)
	h.Shutdown()
	select {
	case <-h.Done():
		t.Fatal("shutdown must not run before Start")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestGracefulServer(t *testing.T) {
	g := NewGracefulServer(nil, &ShutdownConfig{Timeout: 5 * time.Second})
	var closed bool
	g.RegisterHook(MemoryShutdownHook(func() error {
		closed = true
		return nil
	}))

	g.Start("127.0.0.1:0")
	assert.Eventually(t, func() bool {
		g.Health.mu.RLock()
		defer g.Health.mu.RUnlock()
		return g.Health.ready
	}, 2*time.Second, 5*time.Millisecond)

	g.Shutdown.Shutdown()
	require.NoError(t, g.Wait())
	assert.True(t, closed)
	assert.Eventually(t, func() bool {
		g.Health.mu.RLock()
		defer g.Health.mu.RUnlock()
		return !g.Health.ready
	}, 2*time.Second, 5*time.Millisecond)
}
