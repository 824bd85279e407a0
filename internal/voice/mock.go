package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockProvider is a deterministic in-memory backend for tests and local
// development. Outbound calls progress ringing -> answered immediately when
// AnswerDelay is zero; events are emitted through the sink synchronously so
// tests need no sleeps.
type MockProvider struct {
	mu        sync.Mutex
	seq       int
	calls     map[string]*mockCall
	sink      func(CallEvent)
	answerDur time.Duration

	// FailInitiate makes the next InitiateCall return an error.
	FailInitiate bool

	// TTSPlayed records every text passed to PlayTTS, in order.
	TTSPlayed []string

	// Hangups records provider call IDs passed to HangupCall.
	Hangups []string
}

type mockCall struct {
	callID string
	to     string
	from   string
}

// NewMockProvider creates a mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{calls: make(map[string]*mockCall)}
}

func (p *MockProvider) Name() ProviderName {
	return ProviderMock
}

// SetEventSink registers the callback receiving simulated events.
func (p *MockProvider) SetEventSink(sink func(CallEvent)) {
	p.sink = sink
}

// SetAnswerDelay delays the simulated answered event.
func (p *MockProvider) SetAnswerDelay(d time.Duration) {
	p.answerDur = d
}

func (p *MockProvider) InitiateCall(ctx context.Context, input *InitiateCallInput) (*InitiateCallResult, error) {
	p.mu.Lock()
	if p.FailInitiate {
		p.FailInitiate = false
		p.mu.Unlock()
		return nil, ErrUnavailable("mock provider configured to fail", nil)
	}
	p.seq++
	providerCallID := fmt.Sprintf("mock-%d", p.seq)
	p.calls[providerCallID] = &mockCall{callID: input.CallID, to: input.To, from: input.From}
	p.mu.Unlock()

	emit := func(t EventType) {
		p.emit(CallEvent{
			ID:             fmt.Sprintf("%s-%s", providerCallID, t),
			Type:           t,
			CallID:         input.CallID,
			ProviderCallID: providerCallID,
			Timestamp:      time.Now(),
			Direction:      DirectionOutbound,
			From:           input.From,
			To:             input.To,
		})
	}

	if p.answerDur == 0 {
		emit(EventCallRinging)
		emit(EventCallAnswered)
	} else {
		go func() {
			emit(EventCallRinging)
			select {
			case <-time.After(p.answerDur):
				emit(EventCallAnswered)
			case <-ctx.Done():
			}
		}()
	}

	return &InitiateCallResult{ProviderCallID: providerCallID, Status: "initiated"}, nil
}

func (p *MockProvider) HangupCall(ctx context.Context, input *HangupCallInput) error {
	p.mu.Lock()
	delete(p.calls, input.ProviderCallID)
	p.Hangups = append(p.Hangups, input.ProviderCallID)
	p.mu.Unlock()
	return nil
}

func (p *MockProvider) PlayTTS(ctx context.Context, input *PlayTTSInput) error {
	p.mu.Lock()
	_, ok := p.calls[input.ProviderCallID]
	if ok {
		p.TTSPlayed = append(p.TTSPlayed, input.Text)
	}
	p.mu.Unlock()
	if !ok {
		return ErrNotFound(fmt.Sprintf("mock: unknown call %s", input.ProviderCallID), nil)
	}
	return nil
}

func (p *MockProvider) StartListening(ctx context.Context, input *StartListeningInput) error {
	return nil
}

func (p *MockProvider) StopListening(ctx context.Context, callID, providerCallID string) error {
	return nil
}

// VerifyWebhook accepts any request carrying the fixed test header.
func (p *MockProvider) VerifyWebhook(ctx *WebhookContext) (bool, error) {
	return ctx.Header("X-Mock-Signature") == "mock-valid", nil
}

// ParseWebhook decodes a CallEvent directly from the JSON body.
func (p *MockProvider) ParseWebhook(ctx *WebhookContext) (*WebhookParseResult, error) {
	var event CallEvent
	if err := json.Unmarshal(ctx.Body, &event); err != nil {
		return nil, fmt.Errorf("mock: failed to parse event: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return &WebhookParseResult{
		Events:     []CallEvent{event},
		StatusCode: 200,
	}, nil
}

// SimulateSpeech injects a final caller transcript for a live mock call.
func (p *MockProvider) SimulateSpeech(providerCallID, text string) {
	p.mu.Lock()
	call, ok := p.calls[providerCallID]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.emit(CallEvent{
		ID:             fmt.Sprintf("%s-speech-%d", providerCallID, time.Now().UnixNano()),
		Type:           EventCallSpeech,
		CallID:         call.callID,
		ProviderCallID: providerCallID,
		Timestamp:      time.Now(),
		Transcript:     text,
		IsFinal:        true,
		Confidence:     0.95,
	})
}

// SimulateHangup injects a caller-side hangup.
func (p *MockProvider) SimulateHangup(providerCallID string) {
	p.mu.Lock()
	call, ok := p.calls[providerCallID]
	delete(p.calls, providerCallID)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.emit(CallEvent{
		ID:             fmt.Sprintf("%s-ended", providerCallID),
		Type:           EventCallEnded,
		CallID:         call.callID,
		ProviderCallID: providerCallID,
		Timestamp:      time.Now(),
		Reason:         EndReasonHangupCaller,
	})
}

func (p *MockProvider) emit(event CallEvent) {
	if p.sink != nil {
		p.sink(event)
	}
}
