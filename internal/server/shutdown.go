package server

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/efebarandurmaz/mnemo/internal/logging"
)

// ShutdownHandler runs prioritized cleanup hooks once, on a signal or on
// demand.
type ShutdownHandler struct {
	mu           sync.Mutex
	hooks        []ShutdownHook
	timeout      time.Duration
	signals      []os.Signal
	shutdownCh   chan struct{}
	doneCh       chan struct{}
	started      bool
	shutdownOnce sync.Once
	doneOnce     sync.Once
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook struct {
	Name     string
	Priority int // Lower priority runs first
	Fn       func(ctx context.Context) error
}

// Hook priorities of the memory service, in run order.
const (
	PriorityHTTPServer = 10
	PriorityMemory     = 50
	PriorityTracing    = 80
	PriorityLogger     = 99
)

// ShutdownConfig configures the shutdown handler.
type ShutdownConfig struct {
	// Timeout for all hooks together (default: 30s)
	Timeout time.Duration
	// Signals to listen for (default: SIGTERM, SIGINT)
	Signals []os.Signal
}

// DefaultShutdownConfig returns default configuration.
func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

// NewShutdownHandler creates a new shutdown handler.
func NewShutdownHandler(config *ShutdownConfig) *ShutdownHandler {
	def := DefaultShutdownConfig()
	if config == nil {
		config = def
	}
	timeout, signals := config.Timeout, config.Signals
	if timeout <= 0 {
		timeout = def.Timeout
	}
	if len(signals) == 0 {
		signals = def.Signals
	}

	return &ShutdownHandler{
		timeout:    timeout,
		signals:    signals,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// RegisterHook adds a shutdown hook. Hooks of equal priority run in
// registration order.
func (s *ShutdownHandler) RegisterHook(name string, priority int, fn func(ctx context.Context) error) {
	s.Add(ShutdownHook{Name: name, Priority: priority, Fn: fn})
}

// Add registers a prebuilt hook.
func (s *ShutdownHandler) Add(hook ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
	slices.SortStableFunc(s.hooks, func(a, b ShutdownHook) int {
		return a.Priority - b.Priority
	})
}

// Start begins listening for shutdown signals.
func (s *ShutdownHandler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, s.signals...)

	go func() {
		select {
		case sig := <-sigCh:
			logging.Infof("received %s, shutting down", sig)
			s.trigger()
		case <-s.shutdownCh:
		}
		signal.Stop(sigCh)
		s.shutdown()
	}()
}

// Shutdown triggers a manual shutdown. It is a no-op before Start.
func (s *ShutdownHandler) Shutdown() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		s.trigger()
	}
}

func (s *ShutdownHandler) trigger() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Wait blocks until shutdown is complete.
func (s *ShutdownHandler) Wait() {
	<-s.doneCh
}

// WaitWithTimeout blocks until shutdown is complete or timeout.
func (s *ShutdownHandler) WaitWithTimeout(timeout time.Duration) bool {
	select {
	case <-s.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done returns a channel that closes when shutdown is complete.
func (s *ShutdownHandler) Done() <-chan struct{} {
	return s.doneCh
}

// ShutdownCh returns a channel that closes when shutdown starts.
func (s *ShutdownHandler) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

func (s *ShutdownHandler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.mu.Lock()
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	// A failing hook does not stop the ones after it.
	for _, hook := range hooks {
		start := time.Now()
		if err := hook.Fn(ctx); err != nil {
			logging.Errorf("shutdown hook %s failed: %v", hook.Name, err)
			continue
		}
		logging.Debugf("shutdown hook %s done in %s", hook.Name, time.Since(start))
	}

	s.doneOnce.Do(func() {
		close(s.doneCh)
	})
}

// HTTPServerShutdownHook stops an HTTP server before anything it serves
// is torn down.
func HTTPServerShutdownHook(name string, shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{
		Name:     name,
		Priority: PriorityHTTPServer,
		Fn:       shutdownFn,
	}
}

// MemoryShutdownHook closes the memory manager and its backend.
func MemoryShutdownHook(closeFn func() error) ShutdownHook {
	return ShutdownHook{
		Name:     "memory",
		Priority: PriorityMemory,
		Fn: func(ctx context.Context) error {
			return closeFn()
		},
	}
}

// TracingShutdownHook flushes and stops the tracer provider.
func TracingShutdownHook(shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{
		Name:     "tracing",
		Priority: PriorityTracing,
		Fn:       shutdownFn,
	}
}

// LoggerSyncHook flushes buffered log entries last.
func LoggerSyncHook() ShutdownHook {
	return ShutdownHook{
		Name:     "logger",
		Priority: PriorityLogger,
		Fn: func(ctx context.Context) error {
			_ = logging.Sync()
			return nil
		},
	}
}

// GracefulServer combines health checks with shutdown handling.
type GracefulServer struct {
	Health   *HealthServer
	Shutdown *ShutdownHandler
	errCh    chan error
}

// NewGracefulServer creates a server with health checks and graceful shutdown.
func NewGracefulServer(healthConfig *HealthConfig, shutdownConfig *ShutdownConfig) *GracefulServer {
	health := NewHealthServer(healthConfig)
	shutdown := NewShutdownHandler(shutdownConfig)

	shutdown.Add(HTTPServerShutdownHook("health-server", func(ctx context.Context) error {
		health.Shutdown()
		return nil
	}))

	// Fail readiness as soon as shutdown starts.
	go func() {
		<-shutdown.ShutdownCh()
		health.SetReady(false)
	}()

	return &GracefulServer{
		Health:   health,
		Shutdown: shutdown,
		errCh:    make(chan error, 1),
	}
}

// Start serves the health endpoints on addr and begins listening for
// shutdown signals.
func (g *GracefulServer) Start(addr string) {
	g.Shutdown.Start()

	go func() {
		if err := g.Health.ListenAndServe(addr); err != nil {
			logging.Errorf("health server: %v", err)
			g.errCh <- err
			g.Shutdown.Shutdown()
		}
	}()

	g.Health.SetReady(true)
}

// Wait blocks until shutdown is complete and returns the serve error that
// caused it, if any.
func (g *GracefulServer) Wait() error {
	g.Shutdown.Wait()
	select {
	case err := <-g.errCh:
		return err
	default:
		return nil
	}
}

// RegisterHook adds a shutdown hook.
func (g *GracefulServer) RegisterHook(hook ShutdownHook) {
	g.Shutdown.Add(hook)
}
