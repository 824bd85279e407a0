package voice

import "testing"

func TestValidatePhoneNumber(t *testing.T) {
	valid := []string{"+14155551234", "+442071838750", "+12", "+123456789012345"}
	for _, n := range valid {
		if !ValidatePhoneNumber(n) {
			t.Errorf("ValidatePhoneNumber(%q) = false, want true", n)
		}
	}
	invalid := []string{
		"",
		"+",
		"+1",                // too short
		"14155551234",       // missing plus
		"+04155551234",      // leading zero country code
		"+1415555123a",      // non-digit
		"+1 415 555 1234",   // spaces
		"+1234567890123456", // 16 digits
	}
	for _, n := range invalid {
		if ValidatePhoneNumber(n) {
			t.Errorf("ValidatePhoneNumber(%q) = true, want false", n)
		}
	}
}

func TestValidateSnowflake(t *testing.T) {
	valid := []string{"12345678901234567", "123456789012345678", "1234567890123456789"}
	for _, s := range valid {
		if !ValidateSnowflake(s) {
			t.Errorf("ValidateSnowflake(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "1234567890123456", "12345678901234567890", "1234567890123456a"}
	for _, s := range invalid {
		if ValidateSnowflake(s) {
			t.Errorf("ValidateSnowflake(%q) = true, want false", s)
		}
	}
}

func TestValidateGroupID(t *testing.T) {
	if !ValidateGroupID("a8098c1a-f86e-4536-a5e0-9c1b3a1f8e21") {
		t.Error("v4 UUID should validate")
	}
	for _, s := range []string{
		"",
		"not-a-uuid",
		"a8098c1a-f86e-1536-a5e0-9c1b3a1f8e21", // v1
	} {
		if ValidateGroupID(s) {
			t.Errorf("ValidateGroupID(%q) = true, want false", s)
		}
	}
}
