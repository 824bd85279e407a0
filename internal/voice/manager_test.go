package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubProvider implements Provider for manager tests.
type stubProvider struct {
	name           ProviderName
	initiateErr    error
	initiateResult *InitiateCallResult
	hangupErr      error
	playTTSErr     error

	mu        sync.Mutex
	ttsPlayed []string
	hangups   []string
}

func (p *stubProvider) Name() ProviderName {
	if p.name == "" {
		return ProviderMock
	}
	return p.name
}

func (p *stubProvider) InitiateCall(_ context.Context, _ *InitiateCallInput) (*InitiateCallResult, error) {
	if p.initiateErr != nil {
		return nil, p.initiateErr
	}
	if p.initiateResult != nil {
		return p.initiateResult, nil
	}
	return &InitiateCallResult{ProviderCallID: "pc-1", Status: "initiated"}, nil
}

func (p *stubProvider) HangupCall(_ context.Context, input *HangupCallInput) error {
	p.mu.Lock()
	p.hangups = append(p.hangups, input.ProviderCallID)
	p.mu.Unlock()
	return p.hangupErr
}

func (p *stubProvider) PlayTTS(_ context.Context, input *PlayTTSInput) error {
	if p.playTTSErr != nil {
		return p.playTTSErr
	}
	p.mu.Lock()
	p.ttsPlayed = append(p.ttsPlayed, input.Text)
	p.mu.Unlock()
	return nil
}

func (p *stubProvider) StartListening(_ context.Context, _ *StartListeningInput) error { return nil }
func (p *stubProvider) StopListening(_ context.Context, _, _ string) error             { return nil }
func (p *stubProvider) VerifyWebhook(_ *WebhookContext) (bool, error)                  { return true, nil }
func (p *stubProvider) ParseWebhook(_ *WebhookContext) (*WebhookParseResult, error) {
	return &WebhookParseResult{StatusCode: 200}, nil
}

func newTestManager(t *testing.T, provider Provider) *Manager {
	t.Helper()
	if provider == nil {
		provider = &stubProvider{}
	}
	mgr, err := NewManager(ManagerConfig{
		Provider:   provider,
		From:       "+15550001111",
		WebhookURL: "https://example.com/webhooks/voice",
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func TestNewManager_NilProvider(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err == nil {
		t.Fatal("expected error when provider is nil")
	}
}

func TestInitiateCall_InvalidDestination(t *testing.T) {
	mgr := newTestManager(t, nil)
	_, err := mgr.InitiateCall(context.Background(), "not-a-number", "hi")
	if err == nil {
		t.Fatal("expected error for invalid destination")
	}
	if !IsCode(err, ErrCodeInvalidInput) {
		t.Fatalf("code = %s, want %s", GetErrorCode(err), ErrCodeInvalidInput)
	}
}

func TestInitiateCall_ProviderRejection(t *testing.T) {
	mgr := newTestManager(t, &stubProvider{initiateErr: errors.New("upstream 503")})
	call, err := mgr.InitiateCall(context.Background(), "+14155551234", "hi")
	if err == nil {
		t.Fatal("expected error from provider rejection")
	}
	if !IsCode(err, ErrCodeUnavailable) {
		t.Fatalf("code = %s, want %s", GetErrorCode(err), ErrCodeUnavailable)
	}
	if call.State != StateFailed {
		t.Fatalf("state = %s, want failed", call.State)
	}
}

func TestInitiateCall_Success(t *testing.T) {
	mgr := newTestManager(t, nil)
	call, err := mgr.InitiateCall(context.Background(), "+14155551234", "hello there")
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if call.State != StateInitiated {
		t.Fatalf("state = %s, want initiated", call.State)
	}
	if call.ProviderCallID != "pc-1" {
		t.Fatalf("providerCallID = %s", call.ProviderCallID)
	}
	if got, ok := mgr.GetCallByProviderCallID("pc-1"); !ok || got.CallID != call.CallID {
		t.Fatal("provider call ID index not populated")
	}
}

func TestProcessEvent_LifecycleToActive(t *testing.T) {
	mgr := newTestManager(t, nil)
	call, _ := mgr.InitiateCall(context.Background(), "+14155551234", "")

	for _, typ := range []EventType{EventCallRinging, EventCallAnswered, EventCallActive} {
		ev := &CallEvent{ID: "ev-" + string(typ), Type: typ, ProviderCallID: "pc-1", Timestamp: time.Now()}
		if err := mgr.ProcessEvent(context.Background(), ev); err != nil {
			t.Fatalf("ProcessEvent(%s): %v", typ, err)
		}
	}

	got, _ := mgr.GetCall(call.CallID)
	if got.State != StateActive {
		t.Fatalf("state = %s, want active", got.State)
	}
	if got.AnsweredAt == nil {
		t.Fatal("AnsweredAt not set")
	}
}

func TestProcessEvent_DuplicateDelivery(t *testing.T) {
	mgr := newTestManager(t, nil)
	call, _ := mgr.InitiateCall(context.Background(), "+14155551234", "")

	answered := &CallEvent{ID: "ev-1", Type: EventCallAnswered, ProviderCallID: "pc-1", Timestamp: time.Now()}
	if err := mgr.ProcessEvent(context.Background(), answered); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	speech := &CallEvent{
		ID: "ev-2", Type: EventCallSpeech, ProviderCallID: "pc-1",
		Timestamp: time.Now(), Transcript: "hello", IsFinal: true,
	}
	if err := mgr.ProcessEvent(context.Background(), speech); err != nil {
		t.Fatalf("speech: %v", err)
	}
	// Redeliver the exact same event.
	redelivered := *speech
	if err := mgr.ProcessEvent(context.Background(), &redelivered); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	got, _ := mgr.GetCall(call.CallID)
	if len(got.Transcript) != 1 {
		t.Fatalf("transcript entries = %d, want 1 (duplicate must be a no-op)", len(got.Transcript))
	}
}

func TestProcessEvent_IllegalTransitionIgnored(t *testing.T) {
	mgr := newTestManager(t, nil)
	call, _ := mgr.InitiateCall(context.Background(), "+14155551234", "")

	for _, ev := range []*CallEvent{
		{ID: "e1", Type: EventCallActive, ProviderCallID: "pc-1", Timestamp: time.Now()},
		{ID: "e2", Type: EventCallRinging, ProviderCallID: "pc-1", Timestamp: time.Now()},
	} {
		if err := mgr.ProcessEvent(context.Background(), ev); err != nil {
			t.Fatalf("ProcessEvent: %v", err)
		}
	}

	got, _ := mgr.GetCall(call.CallID)
	if got.State != StateActive {
		t.Fatalf("state = %s, want active (ringing after active must be ignored)", got.State)
	}
}

func TestProcessEvent_LateEventAfterTerminal(t *testing.T) {
	mgr := newTestManager(t, nil)
	call, _ := mgr.InitiateCall(context.Background(), "+14155551234", "")

	ended := &CallEvent{ID: "e1", Type: EventCallEnded, ProviderCallID: "pc-1", Timestamp: time.Now(), Reason: EndReasonHangupCaller}
	if err := mgr.ProcessEvent(context.Background(), ended); err != nil {
		t.Fatalf("ended: %v", err)
	}
	late := &CallEvent{ID: "e2", Type: EventCallSpeech, ProviderCallID: "pc-1", Timestamp: time.Now(), Transcript: "too late", IsFinal: true}
	if err := mgr.ProcessEvent(context.Background(), late); err != nil {
		t.Fatalf("late event must be accepted and discarded: %v", err)
	}

	got, _ := mgr.GetCall(call.CallID)
	if got.State != StateHangupCaller {
		t.Fatalf("state = %s", got.State)
	}
	if len(got.Transcript) != 0 {
		t.Fatal("late speech must not mutate a terminal call")
	}
}

func TestProcessEvent_InboundCallCreated(t *testing.T) {
	mgr := newTestManager(t, nil)

	ev := &CallEvent{
		ID: "in-1", Type: EventCallInitiated, ProviderCallID: "pc-inbound",
		Timestamp: time.Now(), Direction: DirectionInbound, From: "+14155550000",
	}
	if err := mgr.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	call, ok := mgr.GetCallByProviderCallID("pc-inbound")
	if !ok {
		t.Fatal("inbound call not registered")
	}
	if call.Direction != DirectionInbound {
		t.Fatalf("direction = %s", call.Direction)
	}
}

func TestProcessEvent_SpeechForUnknownCallIgnored(t *testing.T) {
	mgr := newTestManager(t, nil)
	ev := &CallEvent{ID: "x", Type: EventCallSpeech, ProviderCallID: "never-seen", Transcript: "hi", IsFinal: true}
	if err := mgr.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if _, ok := mgr.GetCallByProviderCallID("never-seen"); ok {
		t.Fatal("speech event must not create a call")
	}
}

func TestSpeak_StateGating(t *testing.T) {
	provider := &stubProvider{}
	mgr := newTestManager(t, provider)
	call, _ := mgr.InitiateCall(context.Background(), "+14155551234", "")

	if err := mgr.Speak(context.Background(), call.CallID, "too early"); err == nil {
		t.Fatal("expected error speaking into an unanswered call")
	}

	_ = mgr.ProcessEvent(context.Background(), &CallEvent{ID: "a", Type: EventCallAnswered, ProviderCallID: "pc-1", Timestamp: time.Now()})
	if err := mgr.Speak(context.Background(), call.CallID, "hello"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	got, _ := mgr.GetCall(call.CallID)
	if len(got.Transcript) != 1 || got.Transcript[0].Speaker != "bot" {
		t.Fatalf("transcript = %+v", got.Transcript)
	}
}

func TestSpeak_NotFound(t *testing.T) {
	mgr := newTestManager(t, nil)
	err := mgr.Speak(context.Background(), "nope", "hi")
	if !IsCode(err, ErrCodeNotFound) {
		t.Fatalf("code = %s, want %s", GetErrorCode(err), ErrCodeNotFound)
	}
}

func TestEndCall_Idempotent(t *testing.T) {
	provider := &stubProvider{}
	mgr := newTestManager(t, provider)
	call, _ := mgr.InitiateCall(context.Background(), "+14155551234", "")

	if err := mgr.EndCall(context.Background(), call.CallID, EndReasonHangupBot); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if err := mgr.EndCall(context.Background(), call.CallID, EndReasonHangupBot); err != nil {
		t.Fatalf("second EndCall must be a no-op: %v", err)
	}

	provider.mu.Lock()
	hangups := len(provider.hangups)
	provider.mu.Unlock()
	if hangups != 1 {
		t.Fatalf("provider hangups = %d, want 1", hangups)
	}

	got, _ := mgr.GetCall(call.CallID)
	if got.State != StateHangupBot {
		t.Fatalf("state = %s", got.State)
	}
}

func TestEndCall_ForcesTerminalOnProviderError(t *testing.T) {
	mgr := newTestManager(t, &stubProvider{hangupErr: errors.New("timeout")})
	call, _ := mgr.InitiateCall(context.Background(), "+14155551234", "")

	if err := mgr.EndCall(context.Background(), call.CallID, EndReasonHangupBot); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	got, _ := mgr.GetCall(call.CallID)
	if !got.State.IsTerminal() {
		t.Fatalf("state = %s, want terminal despite provider failure", got.State)
	}
}

func TestCleanupStaleCalls(t *testing.T) {
	mgr := newTestManager(t, nil)
	now := time.Now()

	mgr.nowFunc = func() time.Time { return now }
	call, _ := mgr.InitiateCall(context.Background(), "+14155551234", "")
	_ = mgr.EndCall(context.Background(), call.CallID, EndReasonCompleted)

	active, _ := mgr.InitiateCall(context.Background(), "+14155551235", "")

	mgr.nowFunc = func() time.Time { return now.Add(2 * time.Hour) }
	removed := mgr.CleanupStaleCalls(time.Hour)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := mgr.GetCall(call.CallID); ok {
		t.Fatal("terminal call not evicted")
	}
	if _, ok := mgr.GetCall(active.CallID); !ok {
		t.Fatal("active call must survive cleanup")
	}
}

func TestEndToEnd_MockProvider(t *testing.T) {
	provider := NewMockProvider()
	var mgr *Manager
	provider.SetEventSink(func(ev CallEvent) {
		_ = mgr.ProcessEvent(context.Background(), &ev)
	})

	var terminal []string
	var terminalMu sync.Mutex
	m, err := NewManager(ManagerConfig{
		Provider: provider,
		From:     "+15550001111",
		OnTerminal: func(callID string) {
			terminalMu.Lock()
			terminal = append(terminal, callID)
			terminalMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mgr = m

	call, err := mgr.InitiateCall(context.Background(), "+14155551234", "opening line")
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}

	got, _ := mgr.GetCall(call.CallID)
	if got.State != StateAnswered {
		t.Fatalf("state = %s, want answered (mock answers synchronously)", got.State)
	}

	if err := mgr.ContinueCall(context.Background(), call.CallID, "how can I help"); err != nil {
		t.Fatalf("ContinueCall: %v", err)
	}

	provider.SimulateSpeech(got.ProviderCallID, "I need a taxi")
	got, _ = mgr.GetCall(call.CallID)
	if got.State != StateActive {
		t.Fatalf("state = %s, want active after caller speech", got.State)
	}
	if len(got.Transcript) != 2 {
		t.Fatalf("transcript entries = %d, want 2", len(got.Transcript))
	}

	provider.SimulateHangup(got.ProviderCallID)
	got, _ = mgr.GetCall(call.CallID)
	if got.State != StateHangupCaller {
		t.Fatalf("state = %s, want hangup-caller", got.State)
	}

	// Duplicate ended event is a no-op.
	provider.SimulateHangup(got.ProviderCallID)
	final, _ := mgr.GetCall(call.CallID)
	if final.State != StateHangupCaller || final.EndedAt == nil {
		t.Fatalf("terminal state disturbed by duplicate hangup: %+v", final)
	}

	terminalMu.Lock()
	defer terminalMu.Unlock()
	if len(terminal) != 1 || terminal[0] != call.CallID {
		t.Fatalf("onTerminal calls = %v, want exactly one for %s", terminal, call.CallID)
	}
}

func TestEvents_ClosesOnTerminal(t *testing.T) {
	mgr := newTestManager(t, nil)
	call, _ := mgr.InitiateCall(context.Background(), "+14155551234", "")

	events, ok := mgr.Events(call.CallID)
	if !ok {
		t.Fatal("Events not found")
	}

	_ = mgr.ProcessEvent(context.Background(), &CallEvent{ID: "a", Type: EventCallAnswered, ProviderCallID: "pc-1", Timestamp: time.Now()})
	_ = mgr.ProcessEvent(context.Background(), &CallEvent{ID: "b", Type: EventCallEnded, ProviderCallID: "pc-1", Timestamp: time.Now(), Reason: EndReasonCompleted})

	var got []EventType
	for ev := range events {
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[0] != EventCallAnswered || got[1] != EventCallEnded {
		t.Fatalf("events = %v", got)
	}
}

func TestStatus(t *testing.T) {
	mgr := newTestManager(t, nil)
	call, _ := mgr.InitiateCall(context.Background(), "+14155551234", "")
	_, _ = mgr.InitiateCall(context.Background(), "+14155551235", "")
	_ = mgr.EndCall(context.Background(), call.CallID, EndReasonCompleted)

	active, total := mgr.Status()
	if active != 1 || total != 2 {
		t.Fatalf("active=%d total=%d, want 1/2", active, total)
	}
}
