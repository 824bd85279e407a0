// Package stream handles bidirectional call media: it terminates the
// provider's WebSocket media stream, feeds inbound audio to a speech
// recognizer, and paces synthesized audio back down the same connection.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/voicewire/internal/observability"
	"github.com/haasonsaas/voicewire/internal/retry"
	"github.com/haasonsaas/voicewire/internal/stt"
)

// ErrReconnectExhausted is surfaced through the error callback once the
// recognizer could not be re-established within the attempt budget.
var ErrReconnectExhausted = fmt.Errorf("recognition reconnect attempts exhausted")

const (
	defaultMaxAttempts  = 5
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
)

// SessionConfig configures a reconnecting recognition session.
type SessionConfig struct {
	Connector stt.Connector
	STT       stt.Config

	// MaxAttempts bounds consecutive reconnects before the session fails
	// terminally.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Session wraps a vendor recognition session with automatic reconnection.
// Audio frames arrive continuously off the media stream, so SendAudio is a
// silent no-op while a reconnect is in flight rather than an error the
// caller would have to swallow on every frame.
type Session struct {
	cfg SessionConfig
	ctx context.Context

	mu           sync.Mutex
	inner        stt.Session
	connected    bool
	closed       bool
	failed       bool
	reconnecting bool
	partialFn    func(stt.Transcript)
	transcriptFn func(stt.Transcript)
	errFn        func(error)
	waiters      []chan stt.Transcript

	sleep func(time.Duration)
}

// NewSession connects the initial recognition session. The context is
// retained for reconnect attempts.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Connector == nil {
		return nil, fmt.Errorf("stream: connector is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		cfg:   cfg,
		ctx:   ctx,
		sleep: time.Sleep,
	}

	inner, err := cfg.Connector.Connect(ctx, cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("stream: initial recognition connect: %w", err)
	}
	s.mu.Lock()
	s.adopt(inner)
	s.mu.Unlock()
	return s, nil
}

// adopt installs a fresh vendor session. Caller holds s.mu.
func (s *Session) adopt(inner stt.Session) {
	s.inner = inner
	s.connected = true
	inner.OnPartial(s.dispatchPartial)
	inner.OnTranscript(s.dispatchTranscript)
	inner.OnError(s.handleFailure)
}

// SendAudio forwards one audio chunk to the recognizer. While disconnected
// it drops the chunk and returns nil; a send failure triggers reconnection
// in the background.
func (s *Session) SendAudio(data []byte) error {
	s.mu.Lock()
	if !s.connected || s.closed || s.failed {
		s.mu.Unlock()
		return nil
	}
	inner := s.inner
	s.mu.Unlock()

	if err := inner.SendAudio(data); err != nil {
		s.handleFailure(err)
	}
	return nil
}

// OnPartial registers the interim-result callback.
func (s *Session) OnPartial(fn func(stt.Transcript)) {
	s.mu.Lock()
	s.partialFn = fn
	s.mu.Unlock()
}

// OnTranscript registers the finalized-result callback.
func (s *Session) OnTranscript(fn func(stt.Transcript)) {
	s.mu.Lock()
	s.transcriptFn = fn
	s.mu.Unlock()
}

// OnError registers the failure callback. It fires once, with an error
// wrapping ErrReconnectExhausted, after the reconnect budget is spent.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	s.errFn = fn
	s.mu.Unlock()
}

// Connected reports whether a vendor session is currently live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// WaitForTranscript blocks until the next finalized transcript or context
// cancellation. On cancellation the pending waiter is removed so it cannot
// leak or swallow a later result.
func (s *Session) WaitForTranscript(ctx context.Context) (stt.Transcript, error) {
	ch := make(chan stt.Transcript, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return stt.Transcript{}, fmt.Errorf("stream: session closed")
	}
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case tr := <-ch:
		return tr, nil
	case <-ctx.Done():
		s.removeWaiter(ch)
		// A result may have landed between cancellation and removal.
		select {
		case tr := <-ch:
			return tr, nil
		default:
		}
		return stt.Transcript{}, ctx.Err()
	}
}

func (s *Session) removeWaiter(ch chan stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Close shuts the session down. No reconnection happens after Close and no
// further callbacks fire.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	inner := s.inner
	s.inner = nil
	s.waiters = nil
	s.mu.Unlock()

	if inner != nil {
		return inner.Close()
	}
	return nil
}

func (s *Session) dispatchPartial(tr stt.Transcript) {
	s.mu.Lock()
	fn := s.partialFn
	closed := s.closed
	s.mu.Unlock()
	if fn != nil && !closed {
		fn(tr)
	}
}

func (s *Session) dispatchTranscript(tr stt.Transcript) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn := s.transcriptFn
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		w <- tr
	}
	if fn != nil {
		fn(tr)
	}
}

// handleFailure marks the session disconnected and kicks off the reconnect
// loop. Failures reported while a reconnect is already running, or after
// Close, are ignored.
func (s *Session) handleFailure(cause error) {
	s.mu.Lock()
	if s.closed || s.failed {
		s.mu.Unlock()
		return
	}
	s.connected = false
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	s.cfg.Logger.Warn("recognition session lost, reconnecting", "error", cause)
	go s.reconnectLoop(cause)
}

func (s *Session) reconnectLoop(cause error) {
	lastErr := cause
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		delay := retry.Backoff(attempt, s.cfg.InitialDelay, s.cfg.MaxDelay, 2.0)
		s.sleep(delay)

		s.mu.Lock()
		if s.closed {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		inner, err := s.cfg.Connector.Connect(s.ctx, s.cfg.STT)
		if err != nil {
			lastErr = err
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.STTReconnects.WithLabelValues("failure").Inc()
			}
			s.cfg.Logger.Warn("recognition reconnect failed",
				"attempt", attempt, "max_attempts", s.cfg.MaxAttempts, "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.reconnecting = false
			s.mu.Unlock()
			_ = inner.Close()
			return
		}
		s.adopt(inner)
		s.reconnecting = false
		s.mu.Unlock()

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.STTReconnects.WithLabelValues("success").Inc()
		}
		s.cfg.Logger.Info("recognition session reconnected", "attempt", attempt)
		return
	}

	s.mu.Lock()
	s.failed = true
	s.reconnecting = false
	fn := s.errFn
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.STTReconnects.WithLabelValues("exhausted").Inc()
	}
	s.cfg.Logger.Error("recognition session failed terminally",
		"attempts", s.cfg.MaxAttempts, "error", lastErr)
	if fn != nil {
		fn(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, s.cfg.MaxAttempts, lastErr))
	}
}
