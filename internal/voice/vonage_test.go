package voice

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const vonageTestKey = "vonage-signature-secret"

func newTestVonage(t *testing.T) *VonageProvider {
	t.Helper()
	p, err := NewVonageProvider(VonageProviderConfig{
		APIKey:        "key",
		ApplicationID: "app-1",
		SignatureKey:  vonageTestKey,
		FromNumber:    "+15550001111",
	})
	if err != nil {
		t.Fatalf("NewVonageProvider: %v", err)
	}
	return p
}

func signVonage(t *testing.T, key string, body []byte) string {
	t.Helper()
	sum := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"iat":          time.Now().Unix(),
		"exp":          time.Now().Add(time.Minute).Unix(),
		"payload_hash": hex.EncodeToString(sum[:]),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func vonageWebhook(t *testing.T, body []byte, token string) *WebhookContext {
	t.Helper()
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return NewWebhookContext("POST", "https://x/webhooks/voice/vonage", "/webhooks/voice/vonage", headers, body, nil)
}

func TestVonageVerifyWebhook_Valid(t *testing.T) {
	p := newTestVonage(t)
	body := []byte(`{"uuid":"u-1","status":"ringing"}`)
	ok, err := p.VerifyWebhook(vonageWebhook(t, body, signVonage(t, vonageTestKey, body)))
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if !ok {
		t.Fatal("valid token rejected")
	}
}

func TestVonageVerifyWebhook_TamperedBody(t *testing.T) {
	p := newTestVonage(t)
	body := []byte(`{"uuid":"u-1","status":"ringing"}`)
	token := signVonage(t, vonageTestKey, body)
	tampered := []byte(`{"uuid":"u-1","status":"answered"}`)
	ok, err := p.VerifyWebhook(vonageWebhook(t, tampered, token))
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if ok {
		t.Fatal("tampered body accepted")
	}
}

func TestVonageVerifyWebhook_WrongKey(t *testing.T) {
	p := newTestVonage(t)
	body := []byte(`{"uuid":"u-1"}`)
	ok, _ := p.VerifyWebhook(vonageWebhook(t, body, signVonage(t, "other-key", body)))
	if ok {
		t.Fatal("token signed with wrong key accepted")
	}
}

func TestVonageVerifyWebhook_MissingAuth(t *testing.T) {
	p := newTestVonage(t)
	ok, _ := p.VerifyWebhook(vonageWebhook(t, []byte(`{}`), ""))
	if ok {
		t.Fatal("missing Authorization must fail closed")
	}
}

func TestVonageVerifyWebhook_ExpiredToken(t *testing.T) {
	p := newTestVonage(t)
	body := []byte(`{"uuid":"u-1"}`)
	sum := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"iat":          time.Now().Add(-2 * time.Hour).Unix(),
		"exp":          time.Now().Add(-time.Hour).Unix(),
		"payload_hash": hex.EncodeToString(sum[:]),
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(vonageTestKey))
	ok, _ := p.VerifyWebhook(vonageWebhook(t, body, token))
	if ok {
		t.Fatal("expired token accepted")
	}
}

func TestVonageParseWebhook_StatusMapping(t *testing.T) {
	p := newTestVonage(t)
	cases := []struct {
		status string
		typ    EventType
		reason EndReason
	}{
		{"started", EventCallInitiated, ""},
		{"ringing", EventCallRinging, ""},
		{"answered", EventCallAnswered, ""},
		{"completed", EventCallEnded, EndReasonCompleted},
		{"busy", EventCallEnded, EndReasonDeclined},
		{"rejected", EventCallEnded, EndReasonDeclined},
		{"timeout", EventCallEnded, EndReasonFailed},
		{"failed", EventCallEnded, EndReasonFailed},
		{"cancelled", EventCallEnded, EndReasonHangupBot},
	}
	for _, tc := range cases {
		body := []byte(`{"uuid":"u-1","status":"` + tc.status + `","direction":"outbound"}`)
		result, err := p.ParseWebhook(vonageWebhook(t, body, ""))
		if err != nil {
			t.Fatalf("ParseWebhook(%s): %v", tc.status, err)
		}
		if len(result.Events) != 1 {
			t.Fatalf("ParseWebhook(%s): %d events", tc.status, len(result.Events))
		}
		ev := result.Events[0]
		if ev.Type != tc.typ || ev.Reason != tc.reason {
			t.Errorf("status %s: got %s/%s, want %s/%s", tc.status, ev.Type, ev.Reason, tc.typ, tc.reason)
		}
	}
}

func TestVonageParseWebhook_Speech(t *testing.T) {
	p := newTestVonage(t)
	body := []byte(`{"uuid":"u-1","speech":{"results":[{"text":"hello world","confidence":"0.91"}]}}`)
	result, err := p.ParseWebhook(vonageWebhook(t, body, ""))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	ev := result.Events[0]
	if ev.Type != EventCallSpeech || ev.Transcript != "hello world" || !ev.IsFinal {
		t.Fatalf("event = %+v", ev)
	}
}

func TestVonageParseWebhook_DTMF(t *testing.T) {
	p := newTestVonage(t)
	body := []byte(`{"uuid":"u-1","dtmf":{"digits":"123"}}`)
	result, err := p.ParseWebhook(vonageWebhook(t, body, ""))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if result.Events[0].Type != EventCallDTMF || result.Events[0].Digits != "123" {
		t.Fatalf("event = %+v", result.Events[0])
	}
}

func TestVonageParseWebhook_UnknownStatusNoEvent(t *testing.T) {
	p := newTestVonage(t)
	body := []byte(`{"uuid":"u-1","status":"transferring"}`)
	result, err := p.ParseWebhook(vonageWebhook(t, body, ""))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(result.Events) != 0 {
		t.Fatalf("unknown status produced events: %+v", result.Events)
	}
}
