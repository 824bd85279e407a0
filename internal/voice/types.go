// Package voice implements a provider-agnostic voice call engine.
// It normalizes webhook and gateway events from multiple telephony and
// chat backends (Twilio, Vonage, Discord voice, Signal, mock) into a
// single event model and drives a per-call state machine with real-time
// bidirectional audio streaming.
package voice

import (
	"context"
	"strings"
	"time"
)

// ProviderName identifies a voice backend.
type ProviderName string

const (
	ProviderTwilio  ProviderName = "twilio"
	ProviderVonage  ProviderName = "vonage"
	ProviderDiscord ProviderName = "discord"
	ProviderSignal  ProviderName = "signal"
	ProviderMock    ProviderName = "mock"
)

// CallState represents the current state of a call.
type CallState string

const (
	// Active states
	StateInitiated CallState = "initiated"
	StateRinging   CallState = "ringing"
	StateAnswered  CallState = "answered"
	StateActive    CallState = "active"

	// Terminal states
	StateCompleted    CallState = "completed"
	StateFailed       CallState = "failed"
	StateHangupCaller CallState = "hangup-caller"
	StateHangupBot    CallState = "hangup-bot"
	StateDeclined     CallState = "declined"
)

// IsTerminal returns true if this is a terminal state.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateHangupCaller, StateHangupBot, StateDeclined:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal
// state-machine transition. Providers are not always consistent: some skip
// initiated/ringing entirely, and any non-terminal state may jump straight
// to a terminal one.
func (s CallState) CanTransitionTo(next CallState) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	switch s {
	case StateInitiated:
		return next == StateRinging || next == StateAnswered || next == StateActive
	case StateRinging:
		return next == StateAnswered || next == StateActive
	case StateAnswered:
		return next == StateActive
	case StateActive:
		return next == StateActive
	}
	return false
}

// CallDirection indicates if a call is inbound or outbound.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// EndReason describes why a call ended.
type EndReason string

const (
	EndReasonCompleted    EndReason = "completed"
	EndReasonFailed       EndReason = "failed"
	EndReasonHangupCaller EndReason = "hangup-caller"
	EndReasonHangupBot    EndReason = "hangup-bot"
	EndReasonDeclined     EndReason = "declined"
)

// TerminalState maps an end reason to its terminal call state.
func (r EndReason) TerminalState() CallState {
	switch r {
	case EndReasonFailed:
		return StateFailed
	case EndReasonHangupCaller:
		return StateHangupCaller
	case EndReasonHangupBot:
		return StateHangupBot
	case EndReasonDeclined:
		return StateDeclined
	default:
		return StateCompleted
	}
}

// EventType categorizes normalized call events.
type EventType string

const (
	EventCallInitiated EventType = "call.initiated"
	EventCallRinging   EventType = "call.ringing"
	EventCallAnswered  EventType = "call.answered"
	EventCallActive    EventType = "call.active"
	EventCallSpeech    EventType = "call.speech"
	EventCallSpeaking  EventType = "call.speaking"
	EventCallSilence   EventType = "call.silence"
	EventCallDTMF      EventType = "call.dtmf"
	EventCallEnded     EventType = "call.ended"
)

// CallEvent is the normalized representation of any call occurrence.
// It is the only type that crosses the provider boundary outward; every
// adapter translates its native webhook or gateway payloads into this form.
//
// Events for the same ProviderCallID arrive in provider-emitted order but
// may be redelivered; consumers deduplicate by ID.
type CallEvent struct {
	ID             string        `json:"id"`
	Type           EventType     `json:"type"`
	CallID         string        `json:"call_id,omitempty"`
	ProviderCallID string        `json:"provider_call_id"`
	Timestamp      time.Time     `json:"timestamp"`
	Direction      CallDirection `json:"direction,omitempty"`
	From           string        `json:"from,omitempty"`
	To             string        `json:"to,omitempty"`

	// Event-specific fields
	Text       string    `json:"text,omitempty"`        // call.speaking
	Transcript string    `json:"transcript,omitempty"`  // call.speech
	IsFinal    bool      `json:"is_final,omitempty"`    // call.speech
	Confidence float64   `json:"confidence,omitempty"`  // call.speech
	Digits     string    `json:"digits,omitempty"`      // call.dtmf
	DurationMs int       `json:"duration_ms,omitempty"` // call.silence
	Reason     EndReason `json:"reason,omitempty"`      // call.ended
}

// TranscriptEntry is a single utterance in a call transcript.
type TranscriptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Speaker   string    `json:"speaker"` // "bot" or "caller"
	Text      string    `json:"text"`
}

// Call contains the full state of one real or simulated voice conversation.
// It is owned exclusively by the Manager; adapters translate, they never
// hold call state.
type Call struct {
	CallID         string            `json:"call_id"`
	ProviderCallID string            `json:"provider_call_id,omitempty"`
	Provider       ProviderName      `json:"provider"`
	Direction      CallDirection     `json:"direction"`
	State          CallState         `json:"state"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	InitialMessage string            `json:"initial_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	AnsweredAt     *time.Time        `json:"answered_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	EndReason      EndReason         `json:"end_reason,omitempty"`
	Transcript     []TranscriptEntry `json:"transcript"`
}

// WebhookContext is the authenticated, parsed representation of one inbound
// HTTP request. Header lookup is case-insensitive. The body holds the exact
// raw bytes received; signature verification must run against them, never a
// re-serialized form. Immutable once constructed.
type WebhookContext struct {
	Method  string
	URL     string
	Path    string
	headers map[string]string
	Body    []byte
	Query   map[string]string
}

// NewWebhookContext builds a WebhookContext, normalizing header names.
func NewWebhookContext(method, fullURL, path string, headers map[string]string, body []byte, query map[string]string) *WebhookContext {
	normalized := make(map[string]string, len(headers))
	for k, v := range headers {
		normalized[strings.ToLower(k)] = v
	}
	if query == nil {
		query = map[string]string{}
	}
	return &WebhookContext{
		Method:  method,
		URL:     fullURL,
		Path:    path,
		headers: normalized,
		Body:    body,
		Query:   query,
	}
}

// Header returns the value for a header name, case-insensitively.
func (c *WebhookContext) Header(name string) string {
	return c.headers[strings.ToLower(name)]
}

// WebhookParseResult contains parsed events plus the provider-mandated
// HTTP acknowledgment. Providers are picky about response shapes: Twilio
// wants TwiML, Vonage wants NCCO JSON, Signal wants an empty 200.
type WebhookParseResult struct {
	Events          []CallEvent
	StatusCode      int
	ResponseBody    string
	ResponseHeaders map[string]string
}

// InitiateCallInput contains parameters for starting an outbound call.
type InitiateCallInput struct {
	CallID     string
	From       string
	To         string
	WebhookURL string
}

// InitiateCallResult contains the result of initiating a call.
type InitiateCallResult struct {
	ProviderCallID string
	Status         string // "initiated" or "queued"
}

// HangupCallInput contains parameters for ending a call.
type HangupCallInput struct {
	CallID         string
	ProviderCallID string
	Reason         EndReason
}

// PlayTTSInput contains parameters for text-to-speech playback.
type PlayTTSInput struct {
	CallID         string
	ProviderCallID string
	Text           string
	Voice          string
	Locale         string
}

// StartListeningInput contains parameters for starting speech recognition.
type StartListeningInput struct {
	CallID         string
	ProviderCallID string
	Language       string
}

// Provider is the contract every voice backend implements. It is the single
// seam that keeps the Manager provider-agnostic: no other component inspects
// provider-specific payload shapes.
type Provider interface {
	// Name returns the provider identifier.
	Name() ProviderName

	// InitiateCall starts an outbound call.
	InitiateCall(ctx context.Context, input *InitiateCallInput) (*InitiateCallResult, error)

	// HangupCall ends an active call.
	HangupCall(ctx context.Context, input *HangupCallInput) error

	// PlayTTS plays synthesized speech into the call.
	PlayTTS(ctx context.Context, input *PlayTTSInput) error

	// StartListening begins speech recognition.
	StartListening(ctx context.Context, input *StartListeningInput) error

	// StopListening stops speech recognition.
	StopListening(ctx context.Context, callID, providerCallID string) error

	// VerifyWebhook validates webhook authenticity against the raw request.
	// It must be called before ParseWebhook and must fail closed.
	VerifyWebhook(ctx *WebhookContext) (bool, error)

	// ParseWebhook translates a verified webhook into normalized events.
	ParseWebhook(ctx *WebhookContext) (*WebhookParseResult, error)
}

// VerificationState tracks encryption verification for one call on the
// encrypted-voice backend. A call is not trusted for answering until
// either the remote fingerprint matches the trusted set or a user confirms
// the short-authentication-string out of band.
type VerificationState struct {
	CallID      string
	DeviceID    string
	Fingerprint string
	SAS         string
	Verified    bool
}
