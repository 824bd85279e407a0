package voice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SignalProvider implements Provider for an end-to-end encrypted voice
// backend reached through a local REST bridge. Call setup rides the
// encrypted session; the bridge posts webhooks signed with HMAC-SHA256
// over the exact raw body.
//
// Calls are untrusted until the remote identity is verified: either the
// session fingerprint matches a pinned value, or a user confirms the short
// authentication string out of band.
//
// Safe for concurrent use.
type SignalProvider struct {
	apiURL        string
	number        string
	webhookSecret []byte

	// trusted maps contact numbers to pinned fingerprints.
	trusted map[string]string

	mu            sync.RWMutex
	callIDs       map[string]string // providerCallID -> engine callID
	verifications map[string]*VerificationState

	client *http.Client
}

// SignalProviderConfig holds configuration for the Signal provider.
type SignalProviderConfig struct {
	// APIURL is the bridge base URL, e.g. "http://localhost:8686".
	APIURL string

	// Number is the account's own number.
	Number string

	// WebhookSecret signs inbound webhooks (required).
	WebhookSecret string

	// TrustedFingerprints maps contact numbers to verified safety
	// numbers.
	TrustedFingerprints map[string]string
}

// NewSignalProvider creates an encrypted-voice provider.
func NewSignalProvider(cfg SignalProviderConfig) (*SignalProvider, error) {
	if cfg.WebhookSecret == "" {
		return nil, errors.New("signal: webhook secret is required")
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "http://localhost:8686"
	}
	trusted := make(map[string]string, len(cfg.TrustedFingerprints))
	for number, fp := range cfg.TrustedFingerprints {
		trusted[number] = normalizeFingerprint(fp)
	}
	return &SignalProvider{
		apiURL:        strings.TrimRight(apiURL, "/"),
		number:        cfg.Number,
		webhookSecret: []byte(cfg.WebhookSecret),
		trusted:       trusted,
		callIDs:       make(map[string]string),
		verifications: make(map[string]*VerificationState),
		client:        &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *SignalProvider) Name() ProviderName {
	return ProviderSignal
}

// InitiateCall offers a call to a contact number or a group. Group
// destinations must be v4 UUIDs.
func (p *SignalProvider) InitiateCall(ctx context.Context, input *InitiateCallInput) (*InitiateCallResult, error) {
	if !validSignalDestination(input.To) {
		return nil, ErrInvalidInput("signal: destination must be an E.164 number or group UUID", nil).WithContext("to", input.To)
	}

	payload := map[string]any{
		"number":    p.number,
		"recipient": input.To,
	}
	resp, err := p.apiRequest(ctx, http.MethodPost, "/v1/calls/offer", payload)
	if err != nil {
		return nil, fmt.Errorf("signal: failed to offer call: %w", err)
	}

	var result struct {
		CallID string `json:"call_id"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("signal: failed to parse response: %w", err)
	}
	if result.CallID == "" {
		result.CallID = uuid.New().String()
	}

	p.mu.Lock()
	p.callIDs[result.CallID] = input.CallID
	p.mu.Unlock()

	return &InitiateCallResult{ProviderCallID: result.CallID, Status: "initiated"}, nil
}

// HangupCall tears down the encrypted session for the call.
func (p *SignalProvider) HangupCall(ctx context.Context, input *HangupCallInput) error {
	p.mu.Lock()
	delete(p.callIDs, input.ProviderCallID)
	delete(p.verifications, input.ProviderCallID)
	p.mu.Unlock()

	_, err := p.apiRequest(ctx, http.MethodPost, "/v1/calls/"+input.ProviderCallID+"/hangup", nil)
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("signal: failed to hangup call: %w", err)
	}
	return nil
}

// PlayTTS asks the bridge to speak into the call. Refused until the
// session is verified.
func (p *SignalProvider) PlayTTS(ctx context.Context, input *PlayTTSInput) error {
	if !p.IsVerified(input.ProviderCallID) {
		return errors.New("signal: call session not verified")
	}
	_, err := p.apiRequest(ctx, http.MethodPost, "/v1/calls/"+input.ProviderCallID+"/speak", map[string]any{
		"text": input.Text,
	})
	if err != nil {
		return fmt.Errorf("signal: failed to play TTS: %w", err)
	}
	return nil
}

func (p *SignalProvider) StartListening(ctx context.Context, input *StartListeningInput) error {
	_, err := p.apiRequest(ctx, http.MethodPost, "/v1/calls/"+input.ProviderCallID+"/listen", nil)
	if err != nil {
		return fmt.Errorf("signal: failed to start listening: %w", err)
	}
	return nil
}

func (p *SignalProvider) StopListening(ctx context.Context, callID, providerCallID string) error {
	_, err := p.apiRequest(ctx, http.MethodDelete, "/v1/calls/"+providerCallID+"/listen", nil)
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("signal: failed to stop listening: %w", err)
	}
	return nil
}

// VerifyWebhook checks the X-Signature header: hex HMAC-SHA256 of the raw
// body under the shared secret, compared in constant time.
func (p *SignalProvider) VerifyWebhook(ctx *WebhookContext) (bool, error) {
	signature := ctx.Header("X-Signature")
	if signature == "" {
		return false, nil
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil
	}

	mac := hmac.New(sha256.New, p.webhookSecret)
	mac.Write(ctx.Body)
	return hmac.Equal(provided, mac.Sum(nil)), nil
}

// ParseWebhook normalizes a verified bridge webhook. Session verification
// updates are tracked here and gate answering, they do not produce events.
func (p *SignalProvider) ParseWebhook(ctx *WebhookContext) (*WebhookParseResult, error) {
	var payload struct {
		Type        string  `json:"type"`
		CallID      string  `json:"call_id"`
		From        string  `json:"from"`
		To          string  `json:"to"`
		DeviceID    string  `json:"device_id"`
		Fingerprint string  `json:"fingerprint"`
		SAS         string  `json:"sas"`
		Transcript  string  `json:"transcript"`
		IsFinal     bool    `json:"is_final"`
		Confidence  float64 `json:"confidence"`
		Reason      string  `json:"reason"`
	}
	if err := json.Unmarshal(ctx.Body, &payload); err != nil {
		return nil, fmt.Errorf("signal: failed to parse body: %w", err)
	}

	p.mu.RLock()
	callID := p.callIDs[payload.CallID]
	p.mu.RUnlock()
	if callID == "" {
		callID = payload.CallID
	}

	result := &WebhookParseResult{StatusCode: 200}

	event := CallEvent{
		ID:             uuid.New().String(),
		CallID:         callID,
		ProviderCallID: payload.CallID,
		Timestamp:      time.Now(),
		From:           payload.From,
		To:             payload.To,
	}

	switch payload.Type {
	case "offer":
		event.Type = EventCallInitiated
		event.Direction = DirectionInbound
	case "ringing":
		event.Type = EventCallRinging
	case "session":
		p.recordVerification(payload.CallID, payload.DeviceID, payload.From, payload.Fingerprint, payload.SAS)
		return result, nil
	case "answered":
		event.Type = EventCallAnswered
	case "speech":
		event.Type = EventCallSpeech
		event.Transcript = payload.Transcript
		event.IsFinal = payload.IsFinal
		event.Confidence = payload.Confidence
	case "ended":
		event.Type = EventCallEnded
		switch payload.Reason {
		case "declined":
			event.Reason = EndReasonDeclined
		case "hangup":
			event.Reason = EndReasonHangupCaller
		case "failed":
			event.Reason = EndReasonFailed
		default:
			event.Reason = EndReasonCompleted
		}
	default:
		return result, nil
	}

	result.Events = []CallEvent{event}
	return result, nil
}

// recordVerification stores the session identity and auto-verifies it when
// the fingerprint matches the pinned value for the contact.
func (p *SignalProvider) recordVerification(providerCallID, deviceID, from, fingerprint, sas string) {
	state := &VerificationState{
		CallID:      providerCallID,
		DeviceID:    deviceID,
		Fingerprint: normalizeFingerprint(fingerprint),
		SAS:         sas,
	}
	if pinned, ok := p.trusted[from]; ok && pinned != "" && pinned == state.Fingerprint {
		state.Verified = true
	}

	p.mu.Lock()
	p.verifications[providerCallID] = state
	p.mu.Unlock()
}

// Verification returns the session verification state for a call, or nil.
func (p *SignalProvider) Verification(providerCallID string) *VerificationState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if state, ok := p.verifications[providerCallID]; ok {
		copied := *state
		return &copied
	}
	return nil
}

// ConfirmSAS marks the session verified after a user compared the short
// authentication string out of band.
func (p *SignalProvider) ConfirmSAS(providerCallID, sas string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.verifications[providerCallID]
	if !ok {
		return fmt.Errorf("signal: no session state for call %s", providerCallID)
	}
	if !strings.EqualFold(state.SAS, sas) {
		return errors.New("signal: SAS mismatch")
	}
	state.Verified = true
	return nil
}

// IsVerified reports whether the call's session passed verification.
func (p *SignalProvider) IsVerified(providerCallID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.verifications[providerCallID]
	return ok && state.Verified
}

func (p *SignalProvider) apiRequest(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.apiURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// validSignalDestination accepts an E.164 number or a v4 UUID group ID.
func validSignalDestination(to string) bool {
	if strings.HasPrefix(to, "+") {
		return ValidatePhoneNumber(to)
	}
	return ValidateGroupID(to)
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(fp, " ", ""), ":", ""))
}
