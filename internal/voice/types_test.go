package voice

import "testing"

func TestCallState_IsTerminal(t *testing.T) {
	terminal := []CallState{StateCompleted, StateFailed, StateHangupCaller, StateHangupBot, StateDeclined}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []CallState{StateInitiated, StateRinging, StateAnswered, StateActive}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if CallState("bogus").IsTerminal() {
		t.Error("unknown state should not be terminal")
	}
}

func TestCallState_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to CallState
		want     bool
	}{
		{StateInitiated, StateRinging, true},
		{StateInitiated, StateAnswered, true}, // providers may skip ringing
		{StateInitiated, StateActive, true},
		{StateRinging, StateAnswered, true},
		{StateRinging, StateInitiated, false},
		{StateAnswered, StateActive, true},
		{StateAnswered, StateRinging, false},
		{StateActive, StateActive, true},
		{StateActive, StateRinging, false},
		{StateActive, StateHangupCaller, true},
		{StateInitiated, StateFailed, true}, // any active state may fail
		{StateCompleted, StateActive, false},
		{StateCompleted, StateFailed, false}, // terminal states are final
		{StateHangupBot, StateHangupCaller, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestEndReason_TerminalState(t *testing.T) {
	cases := map[EndReason]CallState{
		EndReasonCompleted:    StateCompleted,
		EndReasonFailed:       StateFailed,
		EndReasonHangupCaller: StateHangupCaller,
		EndReasonHangupBot:    StateHangupBot,
		EndReasonDeclined:     StateDeclined,
		EndReason(""):         StateCompleted,
	}
	for reason, want := range cases {
		if got := reason.TerminalState(); got != want {
			t.Errorf("TerminalState(%q) = %s, want %s", reason, got, want)
		}
	}
}

func TestWebhookContext_HeaderCaseInsensitive(t *testing.T) {
	ctx := NewWebhookContext("POST", "https://example.com/hook", "/hook",
		map[string]string{"X-Twilio-Signature": "abc"}, []byte("Body=1"), nil)

	for _, name := range []string{"X-Twilio-Signature", "x-twilio-signature", "X-TWILIO-SIGNATURE"} {
		if got := ctx.Header(name); got != "abc" {
			t.Errorf("Header(%q) = %q, want abc", name, got)
		}
	}
	if ctx.Header("Missing") != "" {
		t.Error("missing header should be empty")
	}
}

func TestErrorRetryable(t *testing.T) {
	if !ErrTimeout("deadline", nil).IsRetryable() {
		t.Error("timeout should be retryable")
	}
	if !ErrAudioStream("stream", nil).IsRetryable() {
		t.Error("audio stream should be retryable")
	}
	for _, e := range []*Error{
		ErrVerification("sig", nil),
		ErrInvalidInput("bad", nil),
		ErrCapacity("full", nil),
		ErrState("illegal", nil),
	} {
		if e.IsRetryable() {
			t.Errorf("%s should not be retryable", e.Code)
		}
	}
}
