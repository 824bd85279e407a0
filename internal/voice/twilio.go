package voice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/voicewire/internal/retry"
)

// TwilioProvider implements Provider for the Twilio Voice API. It drives
// outbound calls through the REST API, answers webhooks with TwiML, and
// hands media off to the WebSocket stream handler.
//
// Safe for concurrent use.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	publicURL  string
	streamPath string

	// providerCallID -> webhook URL issued when the call was created
	webhookURLs map[string]string
	mu          sync.RWMutex

	client   *http.Client
	retryCfg retry.Config
}

// TwilioProviderConfig holds configuration for the Twilio provider.
type TwilioProviderConfig struct {
	// AccountSID is the Twilio account SID (required).
	AccountSID string

	// AuthToken is the Twilio auth token, also the webhook signing key
	// (required).
	AuthToken string

	// PublicURL is the externally reachable base URL for callbacks.
	PublicURL string

	// StreamPath is the WebSocket path for media streams.
	StreamPath string
}

// NewTwilioProvider creates a Twilio voice provider.
func NewTwilioProvider(cfg TwilioProviderConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	return &TwilioProvider{
		accountSID:  cfg.AccountSID,
		authToken:   cfg.AuthToken,
		baseURL:     fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s", cfg.AccountSID),
		publicURL:   cfg.PublicURL,
		streamPath:  cfg.StreamPath,
		webhookURLs: make(map[string]string),
		client:      &http.Client{Timeout: 30 * time.Second},
		retryCfg: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Factor:       2.0,
			Jitter:       true,
		},
	}, nil
}

func (p *TwilioProvider) Name() ProviderName {
	return ProviderTwilio
}

// InitiateCall starts an outbound call via the REST API. The engine call ID
// rides along in the webhook URL query so status callbacks can be correlated
// before the provider SID is known to the caller.
func (p *TwilioProvider) InitiateCall(ctx context.Context, input *InitiateCallInput) (*InitiateCallResult, error) {
	if input.WebhookURL == "" {
		return nil, errors.New("twilio: webhook URL is required")
	}

	u, err := url.Parse(input.WebhookURL)
	if err != nil {
		return nil, fmt.Errorf("twilio: invalid webhook URL: %w", err)
	}
	q := u.Query()
	q.Set("callId", input.CallID)
	u.RawQuery = q.Encode()
	webhookURL := u.String()

	statusURL := *u
	sq := statusURL.Query()
	sq.Set("type", "status")
	statusURL.RawQuery = sq.Encode()

	params := url.Values{
		"To":                  {input.To},
		"From":                {input.From},
		"Url":                 {webhookURL},
		"StatusCallback":      {statusURL.String()},
		"StatusCallbackEvent": {"initiated", "ringing", "answered", "completed"},
		"Timeout":             {"30"},
	}

	resp, err := p.apiRequest(ctx, "/Calls.json", params)
	if err != nil {
		return nil, fmt.Errorf("twilio: failed to initiate call: %w", err)
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("twilio: failed to parse response: %w", err)
	}

	p.mu.Lock()
	p.webhookURLs[result.SID] = webhookURL
	p.mu.Unlock()

	status := "initiated"
	if result.Status == "queued" {
		status = "queued"
	}
	return &InitiateCallResult{
		ProviderCallID: result.SID,
		Status:         status,
	}, nil
}

// HangupCall moves the call to completed. A 404 means the call already
// ended on the provider side and is not an error.
func (p *TwilioProvider) HangupCall(ctx context.Context, input *HangupCallInput) error {
	p.mu.Lock()
	delete(p.webhookURLs, input.ProviderCallID)
	p.mu.Unlock()

	params := url.Values{"Status": {"completed"}}
	_, err := p.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", input.ProviderCallID), params)
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("twilio: failed to hangup call: %w", err)
	}
	return nil
}

// PlayTTS updates the live call with a <Say> followed by a <Gather> so the
// caller's reply comes back as a speech webhook.
func (p *TwilioProvider) PlayTTS(ctx context.Context, input *PlayTTSInput) error {
	p.mu.RLock()
	webhookURL := p.webhookURLs[input.ProviderCallID]
	p.mu.RUnlock()
	if webhookURL == "" {
		return errors.New("twilio: missing webhook URL for call")
	}

	voice := input.Voice
	if voice == "" {
		voice = "Polly.Joanna"
	}
	locale := input.Locale
	if locale == "" {
		locale = "en-US"
	}

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say voice="%s" language="%s">%s</Say>
  <Gather input="speech" speechTimeout="auto" action="%s" method="POST">
    <Say>.</Say>
  </Gather>
</Response>`, escapeXML(voice), escapeXML(locale), escapeXML(input.Text), escapeXML(webhookURL))

	_, err := p.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", input.ProviderCallID), url.Values{"Twiml": {twiml}})
	if err != nil {
		return fmt.Errorf("twilio: failed to play TTS: %w", err)
	}
	return nil
}

// StartListening replaces the call's TwiML with a bare speech <Gather>.
func (p *TwilioProvider) StartListening(ctx context.Context, input *StartListeningInput) error {
	p.mu.RLock()
	webhookURL := p.webhookURLs[input.ProviderCallID]
	p.mu.RUnlock()
	if webhookURL == "" {
		return errors.New("twilio: missing webhook URL for call")
	}

	language := input.Language
	if language == "" {
		language = "en-US"
	}

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Gather input="speech" speechTimeout="auto" language="%s" action="%s" method="POST">
  </Gather>
</Response>`, escapeXML(language), escapeXML(webhookURL))

	_, err := p.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", input.ProviderCallID), url.Values{"Twiml": {twiml}})
	if err != nil {
		return fmt.Errorf("twilio: failed to start listening: %w", err)
	}
	return nil
}

// StopListening is a no-op: <Gather> stops on its own at end of speech.
func (p *TwilioProvider) StopListening(ctx context.Context, callID, providerCallID string) error {
	return nil
}

// VerifyWebhook checks the X-Twilio-Signature header: base64 HMAC-SHA1 of
// the full request URL concatenated with the sorted form parameters, keyed
// by the auth token. A missing header fails verification, not errors.
func (p *TwilioProvider) VerifyWebhook(ctx *WebhookContext) (bool, error) {
	signature := ctx.Header("X-Twilio-Signature")
	if signature == "" {
		return false, nil
	}

	params, err := url.ParseQuery(string(ctx.Body))
	if err != nil {
		return false, fmt.Errorf("twilio: failed to parse body: %w", err)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(ctx.URL)
	for _, k := range keys {
		for _, v := range params[k] {
			sb.WriteString(k)
			sb.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(p.authToken))
	mac.Write([]byte(sb.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected)), nil
}

// ParseWebhook normalizes a verified webhook and produces the TwiML reply.
func (p *TwilioProvider) ParseWebhook(ctx *WebhookContext) (*WebhookParseResult, error) {
	params, err := url.ParseQuery(string(ctx.Body))
	if err != nil {
		return nil, fmt.Errorf("twilio: failed to parse body: %w", err)
	}

	callSID := params.Get("CallSid")
	callID := ctx.Query["callId"]
	if callID == "" {
		callID = callSID
	}

	event := p.normalizeEvent(params, callID, callSID)

	result := &WebhookParseResult{
		ResponseBody:    p.generateTwiML(ctx, params),
		ResponseHeaders: map[string]string{"Content-Type": "application/xml"},
		StatusCode:      200,
	}
	if event != nil {
		result.Events = []CallEvent{*event}
	}
	return result, nil
}

func (p *TwilioProvider) normalizeEvent(params url.Values, callID, callSID string) *CallEvent {
	event := &CallEvent{
		ID:             uuid.New().String(),
		CallID:         callID,
		ProviderCallID: callSID,
		Timestamp:      time.Now(),
		From:           params.Get("From"),
		To:             params.Get("To"),
	}

	switch params.Get("Direction") {
	case "inbound":
		event.Direction = DirectionInbound
	case "outbound-api", "outbound-dial":
		event.Direction = DirectionOutbound
	}

	if speech := params.Get("SpeechResult"); speech != "" {
		event.Type = EventCallSpeech
		event.Transcript = speech
		event.IsFinal = true
		if conf := params.Get("Confidence"); conf != "" {
			if _, err := fmt.Sscanf(conf, "%f", &event.Confidence); err != nil {
				event.Confidence = 0
			}
		}
		return event
	}

	if digits := params.Get("Digits"); digits != "" {
		event.Type = EventCallDTMF
		event.Digits = digits
		return event
	}

	switch params.Get("CallStatus") {
	case "initiated":
		event.Type = EventCallInitiated
	case "ringing":
		event.Type = EventCallRinging
	case "in-progress":
		event.Type = EventCallAnswered
	case "completed":
		event.Type = EventCallEnded
		event.Reason = EndReasonCompleted
	case "busy":
		event.Type = EventCallEnded
		event.Reason = EndReasonDeclined
	case "no-answer":
		event.Type = EventCallEnded
		event.Reason = EndReasonFailed
	case "failed":
		event.Type = EventCallEnded
		event.Reason = EndReasonFailed
	case "canceled":
		event.Type = EventCallEnded
		event.Reason = EndReasonHangupBot
	default:
		return nil
	}
	return event
}

func (p *TwilioProvider) generateTwiML(ctx *WebhookContext, params url.Values) string {
	if ctx.Query["type"] == "status" {
		return `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
	}

	// Inbound calls and answered outbound calls get connected to the
	// media stream when one is configured.
	if params.Get("Direction") == "inbound" || params.Get("CallStatus") == "in-progress" {
		if streamURL := p.getStreamURL(); streamURL != "" {
			return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s" />
  </Connect>
</Response>`, escapeXML(streamURL))
		}
		return `<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Pause length="30"/>
</Response>`
	}

	return `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
}

func (p *TwilioProvider) getStreamURL() string {
	p.mu.RLock()
	publicURL := p.publicURL
	streamPath := p.streamPath
	p.mu.RUnlock()

	if publicURL == "" || streamPath == "" {
		return ""
	}
	u, err := url.Parse(publicURL)
	if err != nil {
		return ""
	}
	scheme := "wss"
	if u.Scheme == "http" {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, streamPath)
}

// apiRequest posts form-encoded params to the REST API. Transport failures,
// 429s, and 5xx responses are retried with backoff; other 4xx responses are
// terminal because resending the same request cannot fix them.
func (p *TwilioProvider) apiRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	var body []byte
	res := retry.Do(ctx, p.retryCfg, func() error {
		var err error
		body, err = p.apiRequestOnce(ctx, endpoint, params)
		return err
	})
	if res.Err != nil {
		return nil, res.Err
	}
	return body, nil
}

func (p *TwilioProvider) apiRequestOnce(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, (1<<20)+1))
	if err != nil {
		return nil, err
	}
	if len(body) > 1<<20 {
		return nil, retry.Permanent(fmt.Errorf("API response too large (%d bytes)", len(body)))
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	case resp.StatusCode >= 400:
		return nil, retry.Permanent(fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body)))
	}
	return body, nil
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
