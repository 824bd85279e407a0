package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/voicewire/internal/stt"
)

// flakyConnector hands out a fresh mock session per connect, optionally
// failing the first failures attempts after the initial connect.
type flakyConnector struct {
	mu       sync.Mutex
	attempts int
	failures int
	sessions []*stt.MockSession
}

func (c *flakyConnector) Connect(ctx context.Context, cfg stt.Config) (stt.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	// Attempt 1 is the initial connect; failures apply to reconnects.
	if c.attempts > 1 && c.attempts-1 <= c.failures {
		return nil, fmt.Errorf("connect refused (attempt %d)", c.attempts)
	}
	s := stt.NewMockSession()
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *flakyConnector) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *flakyConnector) session(i int) *stt.MockSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.sessions) {
		return nil
	}
	return c.sessions[i]
}

func newTestSession(t *testing.T, conn stt.Connector, maxAttempts int) *Session {
	t.Helper()
	s, err := NewSession(context.Background(), SessionConfig{
		Connector:    conn,
		STT:          stt.Config{Encoding: "mulaw", SampleRate: 8000},
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSessionSendAudioForwards(t *testing.T) {
	conn := &flakyConnector{}
	s := newTestSession(t, conn, 3)

	if err := s.SendAudio([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	got := conn.session(0).Received()
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("expected one 2-byte chunk, got %v", got)
	}
}

func TestSessionReconnectsAfterFailure(t *testing.T) {
	conn := &flakyConnector{failures: 2}
	s := newTestSession(t, conn, 5)

	conn.session(0).EmitError(errors.New("socket closed"))

	waitFor(t, time.Second, s.Connected)
	// Initial connect + 2 failed + 1 successful reconnect.
	if got := conn.attemptCount(); got != 4 {
		t.Fatalf("expected 4 connect attempts, got %d", got)
	}

	if err := s.SendAudio([]byte{0xFF}); err != nil {
		t.Fatalf("SendAudio after reconnect: %v", err)
	}
	if got := conn.session(1).Received(); len(got) != 1 {
		t.Fatalf("reconnected session received %d chunks, want 1", len(got))
	}
}

func TestSessionBackoffIncreasesThenFailsTerminally(t *testing.T) {
	conn := &flakyConnector{failures: 100}
	s := newTestSession(t, conn, 4)

	var mu sync.Mutex
	var delays []time.Duration
	s.mu.Lock()
	s.sleep = func(d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}
	s.mu.Unlock()

	errCh := make(chan error, 1)
	s.OnError(func(err error) { errCh <- err })

	conn.session(0).EmitError(errors.New("socket closed"))

	var terminal error
	select {
	case terminal = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal error")
	}
	if !errors.Is(terminal, ErrReconnectExhausted) {
		t.Fatalf("terminal error = %v, want ErrReconnectExhausted", terminal)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 4 {
		t.Fatalf("expected 4 backoff delays, got %d", len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] && delays[i-1] < 10*time.Millisecond {
			t.Fatalf("delay %d (%v) not greater than delay %d (%v)", i, delays[i], i-1, delays[i-1])
		}
	}
	if s.Connected() {
		t.Fatal("session should not be connected after terminal failure")
	}
}

func TestSessionSendAudioSilentWhileDisconnected(t *testing.T) {
	conn := &flakyConnector{failures: 100}
	s := newTestSession(t, conn, 2)

	// Park the reconnect loop so the session stays disconnected.
	blocked := make(chan struct{})
	s.mu.Lock()
	s.sleep = func(time.Duration) { <-blocked }
	s.mu.Unlock()
	defer close(blocked)

	conn.session(0).EmitError(errors.New("socket closed"))
	waitFor(t, time.Second, func() bool { return !s.Connected() })

	if err := s.SendAudio([]byte{0x00}); err != nil {
		t.Fatalf("SendAudio while disconnected returned error: %v", err)
	}
	if got := conn.session(0).Received(); len(got) != 0 {
		t.Fatalf("dropped chunk was forwarded: %v", got)
	}
}

func TestSessionNoReconnectAfterClose(t *testing.T) {
	conn := &flakyConnector{}
	s := newTestSession(t, conn, 5)

	inner := conn.session(0)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !inner.Closed() {
		t.Fatal("underlying session not closed")
	}

	inner.EmitError(errors.New("late failure"))
	time.Sleep(20 * time.Millisecond)
	if got := conn.attemptCount(); got != 1 {
		t.Fatalf("reconnect attempted after Close: %d connects", got)
	}
}

func TestSessionTranscriptCallbacks(t *testing.T) {
	conn := &flakyConnector{}
	s := newTestSession(t, conn, 3)

	var mu sync.Mutex
	var partials, finals []string
	s.OnPartial(func(tr stt.Transcript) {
		mu.Lock()
		partials = append(partials, tr.Text)
		mu.Unlock()
	})
	s.OnTranscript(func(tr stt.Transcript) {
		mu.Lock()
		finals = append(finals, tr.Text)
		mu.Unlock()
	})

	conn.session(0).EmitPartial("hel")
	conn.session(0).EmitTranscript("hello world", 0.92)

	mu.Lock()
	defer mu.Unlock()
	if len(partials) != 1 || partials[0] != "hel" {
		t.Fatalf("partials = %v", partials)
	}
	if len(finals) != 1 || finals[0] != "hello world" {
		t.Fatalf("finals = %v", finals)
	}
}

func TestSessionWaitForTranscript(t *testing.T) {
	conn := &flakyConnector{}
	s := newTestSession(t, conn, 3)

	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.session(0).EmitTranscript("done", 1.0)
	}()

	tr, err := s.WaitForTranscript(context.Background())
	if err != nil {
		t.Fatalf("WaitForTranscript: %v", err)
	}
	if tr.Text != "done" {
		t.Fatalf("transcript = %q, want %q", tr.Text, "done")
	}
}

func TestSessionWaitForTranscriptTimeout(t *testing.T) {
	conn := &flakyConnector{}
	s := newTestSession(t, conn, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.WaitForTranscript(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	s.mu.Lock()
	pending := len(s.waiters)
	s.mu.Unlock()
	if pending != 0 {
		t.Fatalf("%d waiters leaked after timeout", pending)
	}
}
