package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/voicewire/internal/infra"
	"github.com/haasonsaas/voicewire/internal/observability"
)

// DefaultEventBuffer is the per-call buffer for downstream event delivery.
const DefaultEventBuffer = 128

// Manager owns all call state. Webhook-driven transitions and media-stream
// transcript updates for one call are serialized through that call's entry;
// operations on different calls never block each other.
type Manager struct {
	provider Provider
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	mu      sync.RWMutex
	calls   map[string]*callEntry // callID -> entry
	byPCID  map[string]string     // providerCallID -> callID
	dedupe  *infra.DedupeCache
	nowFunc func() time.Time

	onEvent    func(context.Context, *CallEvent)
	onTerminal func(callID string)

	from       string
	webhookURL string
}

// callEntry pairs a Call with its serialization lock and downstream queue.
type callEntry struct {
	mu     sync.Mutex
	call   *Call
	events chan CallEvent
	closed bool
}

// ManagerConfig holds configuration for the call manager.
type ManagerConfig struct {
	// Provider is the voice backend to use (required).
	Provider Provider

	// From is the default caller identity for outbound calls.
	From string

	// WebhookURL is the public callback URL handed to telephony providers.
	WebhookURL string

	// OnEvent is invoked for every processed event, in order per call.
	// It runs on a per-call dispatch goroutine and may block without
	// affecting event processing or other calls.
	OnEvent func(context.Context, *CallEvent)

	// OnTerminal is invoked once when a call reaches a terminal state, so
	// owners of media streams and mixer tracks can release them.
	OnTerminal func(callID string)

	// DedupeTTL bounds how long processed event IDs are remembered.
	DedupeTTL time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// NewManager creates a call manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, ErrInvalidInput("provider is required", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ttl := cfg.DedupeTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Manager{
		provider:   cfg.Provider,
		logger:     cfg.Logger.With("component", "voice-manager"),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		calls:      make(map[string]*callEntry),
		byPCID:     make(map[string]string),
		dedupe:     infra.NewDedupeCache(&infra.DedupeCacheConfig{TTL: ttl, MaxSize: 50000}),
		nowFunc:    time.Now,
		onEvent:    cfg.OnEvent,
		onTerminal: cfg.OnTerminal,
		from:       cfg.From,
		webhookURL: cfg.WebhookURL,
	}, nil
}

// validDestination checks the destination format for the active backend.
func (m *Manager) validDestination(to string) bool {
	switch m.provider.Name() {
	case ProviderDiscord:
		return ValidateSnowflake(to)
	case ProviderSignal:
		return ValidatePhoneNumber(to) || ValidateGroupID(to)
	default:
		return ValidatePhoneNumber(to)
	}
}

// InitiateCall places an outbound call and returns the new Call record.
// The optional message is delivered once the media stream settles after
// answer. Provider rejection (bad destination, auth failure) surfaces as a
// SERVICE_UNAVAILABLE error and leaves the call in the failed state.
func (m *Manager) InitiateCall(ctx context.Context, to, message string) (*Call, error) {
	if !m.validDestination(to) {
		return nil, ErrInvalidInput("invalid destination", nil).WithContext("to", to)
	}

	callID := uuid.New().String()
	now := m.nowFunc()
	call := &Call{
		CallID:         callID,
		Provider:       m.provider.Name(),
		Direction:      DirectionOutbound,
		State:          StateInitiated,
		From:           m.from,
		To:             to,
		InitialMessage: message,
		CreatedAt:      now,
		Transcript:     []TranscriptEntry{},
	}
	entry := m.newEntry(call)

	m.mu.Lock()
	m.calls[callID] = entry
	m.mu.Unlock()

	// Provider call happens outside any lock; state is fixed up afterward.
	result, err := m.provider.InitiateCall(ctx, &InitiateCallInput{
		CallID:     callID,
		From:       m.from,
		To:         to,
		WebhookURL: m.webhookURL,
	})
	if err != nil {
		entry.mu.Lock()
		call.State = StateFailed
		call.EndReason = EndReasonFailed
		end := m.nowFunc()
		call.EndedAt = &end
		entry.mu.Unlock()
		m.finishEntry(entry)
		return call, ErrUnavailable("provider rejected call", err).WithContext("to", to)
	}

	entry.mu.Lock()
	call.ProviderCallID = result.ProviderCallID
	entry.mu.Unlock()

	m.mu.Lock()
	m.byPCID[result.ProviderCallID] = callID
	m.mu.Unlock()

	m.logger.Info("call initiated", "call_id", callID, "provider_call_id", result.ProviderCallID, "status", result.Status)
	return call, nil
}

// ProcessEvent applies one normalized event to its call. Unknown provider
// call IDs create a new inbound call. Redelivered event IDs are no-ops.
// Illegal transitions are logged and ignored: providers are not always
// consistent, and tolerance here is deliberate.
func (m *Manager) ProcessEvent(ctx context.Context, event *CallEvent) error {
	if event == nil {
		return ErrInvalidInput("nil event", nil)
	}
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "call.process_event",
			attribute.String("event.type", string(event.Type)),
			attribute.String("provider_call_id", event.ProviderCallID))
		defer span.End()
	}
	if event.ID != "" && m.dedupe.IsDuplicate(event.ID, struct{}{}) {
		m.logger.Debug("duplicate event dropped", "event_id", event.ID, "type", string(event.Type))
		return nil
	}

	entry := m.lookupOrCreate(event)
	if entry == nil {
		m.logger.Debug("event for unknown call ignored", "provider_call_id", event.ProviderCallID, "type", string(event.Type))
		return nil
	}

	entry.mu.Lock()
	call := entry.call
	event.CallID = call.CallID

	if call.State.IsTerminal() {
		// Late events after a terminal state are accepted and discarded.
		entry.mu.Unlock()
		return nil
	}

	next, ok := m.applyEvent(call, event)
	if ok && next != call.State {
		if !call.State.CanTransitionTo(next) {
			m.logger.Warn("illegal state transition ignored",
				"call_id", call.CallID, "from", string(call.State), "to", string(next), "event", string(event.Type))
		} else {
			call.State = next
		}
	}
	terminal := call.State.IsTerminal()
	entry.mu.Unlock()

	m.deliver(entry, event)

	if terminal {
		m.finishEntry(entry)
		if m.onTerminal != nil {
			m.onTerminal(call.CallID)
		}
	}
	return nil
}

// applyEvent mutates transcript/timestamps for the event and returns the
// state the event implies. Caller holds the entry lock.
func (m *Manager) applyEvent(call *Call, event *CallEvent) (CallState, bool) {
	switch event.Type {
	case EventCallInitiated:
		return StateInitiated, true
	case EventCallRinging:
		return StateRinging, true
	case EventCallAnswered:
		ts := event.Timestamp
		if ts.IsZero() {
			ts = m.nowFunc()
		}
		call.AnsweredAt = &ts
		return StateAnswered, true
	case EventCallActive:
		return StateActive, true
	case EventCallSpeech:
		if event.IsFinal && event.Transcript != "" {
			call.Transcript = append(call.Transcript, TranscriptEntry{
				Timestamp: event.Timestamp,
				Speaker:   "caller",
				Text:      event.Transcript,
			})
		}
		return StateActive, true
	case EventCallSpeaking:
		if event.Text != "" {
			call.Transcript = append(call.Transcript, TranscriptEntry{
				Timestamp: event.Timestamp,
				Speaker:   "bot",
				Text:      event.Text,
			})
		}
		return call.State, false
	case EventCallSilence, EventCallDTMF:
		return call.State, false
	case EventCallEnded:
		reason := event.Reason
		if reason == "" {
			reason = EndReasonCompleted
		}
		call.EndReason = reason
		end := event.Timestamp
		if end.IsZero() {
			end = m.nowFunc()
		}
		call.EndedAt = &end
		return reason.TerminalState(), true
	}
	return call.State, false
}

// lookupOrCreate resolves the event's call entry, creating an inbound call
// for an unseen provider call ID on lifecycle events.
func (m *Manager) lookupOrCreate(event *CallEvent) *callEntry {
	m.mu.RLock()
	callID, ok := m.byPCID[event.ProviderCallID]
	if !ok && event.CallID != "" {
		if _, exists := m.calls[event.CallID]; exists {
			callID, ok = event.CallID, true
		}
	}
	var entry *callEntry
	if ok {
		entry = m.calls[callID]
	}
	m.mu.RUnlock()
	if entry != nil {
		return entry
	}

	switch event.Type {
	case EventCallInitiated, EventCallRinging, EventCallAnswered, EventCallActive:
	default:
		// Speech or teardown for a call this manager never saw.
		return nil
	}
	if event.ProviderCallID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byPCID[event.ProviderCallID]; ok {
		return m.calls[id]
	}
	now := event.Timestamp
	if now.IsZero() {
		now = m.nowFunc()
	}
	call := &Call{
		CallID:         uuid.New().String(),
		ProviderCallID: event.ProviderCallID,
		Provider:       m.provider.Name(),
		Direction:      DirectionInbound,
		State:          StateInitiated,
		From:           event.From,
		To:             event.To,
		CreatedAt:      now,
		Transcript:     []TranscriptEntry{},
	}
	entry = m.newEntry(call)
	m.calls[call.CallID] = entry
	m.byPCID[event.ProviderCallID] = call.CallID
	m.logger.Info("inbound call registered", "call_id", call.CallID, "provider_call_id", event.ProviderCallID, "from", call.From)
	return entry
}

// Speak plays synthesized speech into an answered or active call. The
// provider call runs outside the per-call lock; the bot transcript entry is
// appended only after the provider accepts the playback.
func (m *Manager) Speak(ctx context.Context, callID, text string) error {
	entry := m.entry(callID)
	if entry == nil {
		return ErrNotFound("call not found", nil).WithContext("call_id", callID)
	}

	entry.mu.Lock()
	state := entry.call.State
	pcid := entry.call.ProviderCallID
	entry.mu.Unlock()

	if state != StateAnswered && state != StateActive {
		return ErrAudioStream("call not ready for speech", nil).
			WithContext("call_id", callID).WithContext("state", string(state))
	}

	if err := m.provider.PlayTTS(ctx, &PlayTTSInput{
		CallID:         callID,
		ProviderCallID: pcid,
		Text:           text,
	}); err != nil {
		return ErrAudioStream("tts playback failed", err).WithContext("call_id", callID)
	}

	entry.mu.Lock()
	entry.call.Transcript = append(entry.call.Transcript, TranscriptEntry{
		Timestamp: m.nowFunc(),
		Speaker:   "bot",
		Text:      text,
	})
	entry.mu.Unlock()
	return nil
}

// ContinueCall is the orchestration-facing alias for Speak.
func (m *Manager) ContinueCall(ctx context.Context, callID, text string) error {
	return m.Speak(ctx, callID, text)
}

// EndCall hangs up a call and forces it terminal even when the provider is
// slow to confirm. Ending an already-terminal call is a no-op, so racing
// cleanup paths are safe.
func (m *Manager) EndCall(ctx context.Context, callID string, reason EndReason) error {
	entry := m.entry(callID)
	if entry == nil {
		return ErrNotFound("call not found", nil).WithContext("call_id", callID)
	}
	if reason == "" {
		reason = EndReasonHangupBot
	}

	entry.mu.Lock()
	if entry.call.State.IsTerminal() {
		entry.mu.Unlock()
		return nil
	}
	pcid := entry.call.ProviderCallID
	entry.mu.Unlock()

	err := m.provider.HangupCall(ctx, &HangupCallInput{
		CallID:         callID,
		ProviderCallID: pcid,
		Reason:         reason,
	})
	if err != nil {
		m.logger.Warn("provider hangup failed, forcing terminal state", "call_id", callID, "error", err)
	}

	entry.mu.Lock()
	already := entry.call.State.IsTerminal()
	if !already {
		entry.call.State = reason.TerminalState()
		entry.call.EndReason = reason
		end := m.nowFunc()
		entry.call.EndedAt = &end
	}
	entry.mu.Unlock()

	if !already {
		m.finishEntry(entry)
		if m.onTerminal != nil {
			m.onTerminal(callID)
		}
	}
	return nil
}

// GetCall returns a snapshot of a call by internal ID.
func (m *Manager) GetCall(callID string) (*Call, bool) {
	entry := m.entry(callID)
	if entry == nil {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return snapshotCall(entry.call), true
}

// GetCallByProviderCallID resolves a provider stream or webhook identifier
// back to the internal call. The media-stream handler uses this to
// correlate connections.
func (m *Manager) GetCallByProviderCallID(providerCallID string) (*Call, bool) {
	m.mu.RLock()
	callID, ok := m.byPCID[providerCallID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.GetCall(callID)
}

// Events returns the per-call ordered event stream for downstream
// consumers. The channel closes when the call reaches a terminal state.
func (m *Manager) Events(callID string) (<-chan CallEvent, bool) {
	entry := m.entry(callID)
	if entry == nil {
		return nil, false
	}
	return entry.events, true
}

// Status summarizes active and total calls.
func (m *Manager) Status() (active, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.calls {
		e.mu.Lock()
		if !e.call.State.IsTerminal() {
			active++
		}
		e.mu.Unlock()
		total++
	}
	return active, total
}

// CleanupStaleCalls evicts terminal calls whose grace period has expired
// and returns how many were removed.
func (m *Manager) CleanupStaleCalls(olderThan time.Duration) int {
	cutoff := m.nowFunc().Add(-olderThan)
	removed := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.calls {
		e.mu.Lock()
		stale := e.call.State.IsTerminal() && e.call.EndedAt != nil && e.call.EndedAt.Before(cutoff)
		pcid := e.call.ProviderCallID
		e.mu.Unlock()
		if stale {
			delete(m.calls, id)
			if pcid != "" {
				delete(m.byPCID, pcid)
			}
			removed++
		}
	}
	return removed
}

// RunCleanup sweeps stale calls until the context is canceled.
func (m *Manager) RunCleanup(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupStaleCalls(grace); n > 0 {
				m.logger.Debug("evicted stale calls", "count", n)
			}
		}
	}
}

func (m *Manager) entry(callID string) *callEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[callID]
}

// newEntry builds a call entry and starts its dispatch goroutine, which
// feeds OnEvent in order without blocking event processing.
func (m *Manager) newEntry(call *Call) *callEntry {
	e := &callEntry{
		call:   call,
		events: make(chan CallEvent, DefaultEventBuffer),
	}
	if m.metrics != nil {
		m.metrics.CallStarted(string(call.Provider))
	}
	if m.onEvent != nil {
		go func() {
			for ev := range e.events {
				ev := ev
				m.onEvent(context.Background(), &ev)
			}
		}()
	}
	return e
}

// deliver enqueues an event on the call's downstream channel. A full queue
// drops the event with a log line; providers redeliver anything that
// matters, and stalling the ingest path here would stall the webhook
// response.
func (m *Manager) deliver(entry *callEntry, event *CallEvent) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.closed {
		return
	}
	select {
	case entry.events <- *event:
	default:
		if m.metrics != nil {
			m.metrics.EventsDropped.WithLabelValues(string(entry.call.Provider)).Inc()
		}
		m.logger.Warn("event queue full, dropping", "call_id", event.CallID, "type", string(event.Type))
	}
}

// finishEntry closes the downstream queue exactly once.
func (m *Manager) finishEntry(entry *callEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.closed {
		return
	}
	entry.closed = true
	close(entry.events)
	if m.metrics != nil {
		end := m.nowFunc()
		if entry.call.EndedAt != nil {
			end = *entry.call.EndedAt
		}
		m.metrics.CallEnded(string(entry.call.Provider), end.Sub(entry.call.CreatedAt).Seconds())
	}
}

func snapshotCall(c *Call) *Call {
	cp := *c
	cp.Transcript = make([]TranscriptEntry, len(c.Transcript))
	copy(cp.Transcript, c.Transcript)
	return &cp
}
