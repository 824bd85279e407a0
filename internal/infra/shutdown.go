package infra

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc performs cleanup during shutdown. The context may be
// canceled if the overall shutdown times out.
type ShutdownFunc func(ctx context.Context) error

type shutdownHandler struct {
	name string
	fn   ShutdownFunc
}

// ShutdownCoordinator runs registered cleanup handlers in reverse
// registration order when a termination signal arrives or Shutdown is
// called. Later-registered components depend on earlier ones, so they
// come down first.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	handlers []shutdownHandler
	timeout  time.Duration
	logger   *slog.Logger
	once     sync.Once
}

// NewShutdownCoordinator creates a coordinator with a total timeout.
func NewShutdownCoordinator(timeout time.Duration, logger *slog.Logger) *ShutdownCoordinator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownCoordinator{timeout: timeout, logger: logger}
}

// Register adds a named cleanup handler.
func (s *ShutdownCoordinator) Register(name string, fn ShutdownFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, shutdownHandler{name: name, fn: fn})
}

// Wait blocks until SIGINT/SIGTERM or ctx cancellation, then runs the
// handlers.
func (s *ShutdownCoordinator) Wait(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}
	s.Shutdown()
}

// Shutdown runs all handlers once, in reverse registration order.
func (s *ShutdownCoordinator) Shutdown() {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		s.mu.Lock()
		handlers := make([]shutdownHandler, len(s.handlers))
		copy(handlers, s.handlers)
		s.mu.Unlock()

		for i := len(handlers) - 1; i >= 0; i-- {
			h := handlers[i]
			start := time.Now()
			if err := h.fn(ctx); err != nil {
				s.logger.Warn("shutdown handler failed", "name", h.name, "error", err)
			} else {
				s.logger.Debug("shutdown handler done", "name", h.name, "took", time.Since(start))
			}
		}
	})
}
