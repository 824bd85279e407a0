package stt

import (
	"context"
	"sync"
)

// MockSession is a deterministic in-memory recognition session for tests.
// Audio sent in is recorded; transcripts are emitted on demand.
type MockSession struct {
	mu           sync.Mutex
	received     [][]byte
	onPartial    func(Transcript)
	onTranscript func(Transcript)
	onError      func(error)
	closed       bool
}

// NewMockSession creates a mock session.
func NewMockSession() *MockSession {
	return &MockSession{}
}

// MockConnector returns a Connector that hands out the given session.
func MockConnector(s *MockSession) Connector {
	return ConnectorFunc(func(context.Context, Config) (Session, error) {
		return s, nil
	})
}

func (s *MockSession) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.received = append(s.received, cp)
	return nil
}

func (s *MockSession) OnPartial(fn func(Transcript)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPartial = fn
}

func (s *MockSession) OnTranscript(fn func(Transcript)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTranscript = fn
}

func (s *MockSession) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Received returns all audio chunks sent so far.
func (s *MockSession) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// EmitPartial fires the partial callback with an interim result.
func (s *MockSession) EmitPartial(text string) {
	s.mu.Lock()
	fn := s.onPartial
	s.mu.Unlock()
	if fn != nil {
		fn(Transcript{Text: text, IsFinal: false})
	}
}

// EmitTranscript fires the transcript callback with a final result.
func (s *MockSession) EmitTranscript(text string, confidence float64) {
	s.mu.Lock()
	fn := s.onTranscript
	s.mu.Unlock()
	if fn != nil {
		fn(Transcript{Text: text, IsFinal: true, Confidence: confidence})
	}
}

// EmitError fires the error callback.
func (s *MockSession) EmitError(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
