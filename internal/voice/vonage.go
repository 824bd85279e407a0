package voice

import (
	"bytes"
	"context"
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

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// VonageProvider implements Provider for the Vonage Voice API. Webhooks are
// authenticated with a signed JWT in the Authorization header whose
// payload_hash claim binds the token to the exact request body.
//
// Safe for concurrent use.
type VonageProvider struct {
	apiKey        string
	applicationID string
	signatureKey  []byte
	fromNumber    string
	baseURL       string
	publicURL     string

	// providerCallID -> engine callID, learned at initiate time so status
	// webhooks can be correlated
	callIDs map[string]string
	mu      sync.RWMutex

	client *http.Client
}

// VonageProviderConfig holds configuration for the Vonage provider.
type VonageProviderConfig struct {
	// APIKey identifies the account.
	APIKey string

	// ApplicationID is the voice application ID.
	ApplicationID string

	// SignatureKey is the shared secret for webhook JWT verification
	// (required).
	SignatureKey string

	// FromNumber is the default caller ID.
	FromNumber string

	// PublicURL is the externally reachable base URL for callbacks.
	PublicURL string

	// BaseURL overrides the API endpoint, used in tests.
	BaseURL string
}

// NewVonageProvider creates a Vonage voice provider.
func NewVonageProvider(cfg VonageProviderConfig) (*VonageProvider, error) {
	if cfg.SignatureKey == "" {
		return nil, errors.New("vonage: signature key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.nexmo.com/v1"
	}
	return &VonageProvider{
		apiKey:        cfg.APIKey,
		applicationID: cfg.ApplicationID,
		signatureKey:  []byte(cfg.SignatureKey),
		fromNumber:    cfg.FromNumber,
		baseURL:       baseURL,
		publicURL:     cfg.PublicURL,
		callIDs:       make(map[string]string),
		client:        &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *VonageProvider) Name() ProviderName {
	return ProviderVonage
}

// InitiateCall starts an outbound call with an NCCO that speaks the opening
// message and then listens for speech.
func (p *VonageProvider) InitiateCall(ctx context.Context, input *InitiateCallInput) (*InitiateCallResult, error) {
	if input.WebhookURL == "" {
		return nil, errors.New("vonage: webhook URL is required")
	}

	from := input.From
	if from == "" {
		from = p.fromNumber
	}

	payload := map[string]any{
		"to":   []map[string]string{{"type": "phone", "number": strings.TrimPrefix(input.To, "+")}},
		"from": map[string]string{"type": "phone", "number": strings.TrimPrefix(from, "+")},
		"ncco": []map[string]any{
			{
				"action":   "input",
				"type":     []string{"speech"},
				"eventUrl": []string{input.WebhookURL},
				"speech":   map[string]any{"endOnSilence": 1},
			},
		},
		"event_url":    []string{input.WebhookURL},
		"event_method": "POST",
	}

	resp, err := p.apiRequest(ctx, http.MethodPost, "/calls", payload)
	if err != nil {
		return nil, fmt.Errorf("vonage: failed to initiate call: %w", err)
	}

	var result struct {
		UUID   string `json:"uuid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("vonage: failed to parse response: %w", err)
	}

	p.mu.Lock()
	p.callIDs[result.UUID] = input.CallID
	p.mu.Unlock()

	return &InitiateCallResult{
		ProviderCallID: result.UUID,
		Status:         "initiated",
	}, nil
}

// HangupCall ends the call leg. An already-completed leg returns an API
// error that is swallowed here.
func (p *VonageProvider) HangupCall(ctx context.Context, input *HangupCallInput) error {
	p.mu.Lock()
	delete(p.callIDs, input.ProviderCallID)
	p.mu.Unlock()

	_, err := p.apiRequest(ctx, http.MethodPut, "/calls/"+input.ProviderCallID, map[string]any{
		"action": "hangup",
	})
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("vonage: failed to hangup call: %w", err)
	}
	return nil
}

// PlayTTS speaks into the live call via the talk endpoint.
func (p *VonageProvider) PlayTTS(ctx context.Context, input *PlayTTSInput) error {
	payload := map[string]any{"text": input.Text}
	if input.Locale != "" {
		payload["language"] = input.Locale
	}
	_, err := p.apiRequest(ctx, http.MethodPut, "/calls/"+input.ProviderCallID+"/talk", payload)
	if err != nil {
		return fmt.Errorf("vonage: failed to play TTS: %w", err)
	}
	return nil
}

// StartListening is a no-op: the input NCCO action from call setup keeps
// listening and posts speech results to the event URL.
func (p *VonageProvider) StartListening(ctx context.Context, input *StartListeningInput) error {
	return nil
}

// StopListening cancels any in-flight talk so the caller is not spoken over.
func (p *VonageProvider) StopListening(ctx context.Context, callID, providerCallID string) error {
	_, err := p.apiRequest(ctx, http.MethodDelete, "/calls/"+providerCallID+"/talk", nil)
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("vonage: failed to stop talk: %w", err)
	}
	return nil
}

// VerifyWebhook validates the bearer JWT: HS256 over the shared signature
// key, with a payload_hash claim equal to the hex SHA-256 of the exact raw
// body. A re-serialized or tampered body changes the hash and fails closed.
func (p *VonageProvider) VerifyWebhook(ctx *WebhookContext) (bool, error) {
	auth := ctx.Header("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false, nil
	}
	tokenString := strings.TrimPrefix(auth, "Bearer ")

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("vonage: unexpected signing method %v", t.Header["alg"])
		}
		return p.signatureKey, nil
	})
	if err != nil || !token.Valid {
		return false, nil
	}

	claimed, _ := claims["payload_hash"].(string)
	if claimed == "" {
		return false, nil
	}
	sum := sha256.Sum256(ctx.Body)
	return claimed == hex.EncodeToString(sum[:]), nil
}

// ParseWebhook normalizes a verified event webhook.
func (p *VonageProvider) ParseWebhook(ctx *WebhookContext) (*WebhookParseResult, error) {
	var payload struct {
		UUID             string `json:"uuid"`
		ConversationUUID string `json:"conversation_uuid"`
		Status           string `json:"status"`
		Direction        string `json:"direction"`
		From             string `json:"from"`
		To               string `json:"to"`
		DTMF             struct {
			Digits string `json:"digits"`
		} `json:"dtmf"`
		Speech struct {
			Results []struct {
				Text       string `json:"text"`
				Confidence string `json:"confidence"`
			} `json:"results"`
		} `json:"speech"`
	}
	if err := json.Unmarshal(ctx.Body, &payload); err != nil {
		return nil, fmt.Errorf("vonage: failed to parse body: %w", err)
	}

	p.mu.RLock()
	callID := p.callIDs[payload.UUID]
	p.mu.RUnlock()
	if callID == "" {
		callID = payload.UUID
	}

	event := &CallEvent{
		ID:             uuid.New().String(),
		CallID:         callID,
		ProviderCallID: payload.UUID,
		Timestamp:      time.Now(),
		From:           payload.From,
		To:             payload.To,
	}
	switch payload.Direction {
	case "inbound":
		event.Direction = DirectionInbound
	case "outbound":
		event.Direction = DirectionOutbound
	}

	matched := true
	switch {
	case len(payload.Speech.Results) > 0:
		event.Type = EventCallSpeech
		event.Transcript = payload.Speech.Results[0].Text
		event.IsFinal = true
		if _, err := fmt.Sscanf(payload.Speech.Results[0].Confidence, "%f", &event.Confidence); err != nil {
			event.Confidence = 0
		}
	case payload.DTMF.Digits != "":
		event.Type = EventCallDTMF
		event.Digits = payload.DTMF.Digits
	default:
		switch payload.Status {
		case "started":
			event.Type = EventCallInitiated
		case "ringing":
			event.Type = EventCallRinging
		case "answered":
			event.Type = EventCallAnswered
		case "completed":
			event.Type = EventCallEnded
			event.Reason = EndReasonCompleted
		case "busy", "rejected":
			event.Type = EventCallEnded
			event.Reason = EndReasonDeclined
		case "timeout", "unanswered", "failed":
			event.Type = EventCallEnded
			event.Reason = EndReasonFailed
		case "cancelled":
			event.Type = EventCallEnded
			event.Reason = EndReasonHangupBot
		default:
			matched = false
		}
	}

	result := &WebhookParseResult{
		StatusCode:      200,
		ResponseBody:    "[]",
		ResponseHeaders: map[string]string{"Content-Type": "application/json"},
	}
	if matched {
		result.Events = []CallEvent{*event}
	}
	return result, nil
}

func (p *VonageProvider) apiRequest(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := p.generateAuthToken()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

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

func (p *VonageProvider) generateAuthToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"application_id": p.applicationID,
		"iat":            now.Unix(),
		"exp":            now.Add(5 * time.Minute).Unix(),
		"jti":            uuid.New().String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signatureKey)
}
