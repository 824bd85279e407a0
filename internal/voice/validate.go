package voice

import (
	"github.com/google/uuid"
)

// ValidatePhoneNumber reports whether s is a valid E.164 number:
// a leading '+' followed by 2 to 15 digits, the first of which is nonzero.
func ValidatePhoneNumber(s string) bool {
	if len(s) < 3 || len(s) > 16 {
		return false
	}
	if s[0] != '+' {
		return false
	}
	if s[1] == '0' {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ValidateSnowflake reports whether s looks like a Discord snowflake:
// a 17 to 19 digit numeric string.
func ValidateSnowflake(s string) bool {
	if len(s) < 17 || len(s) > 19 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ValidateGroupID reports whether s is a UUID v4, the identifier format
// the encrypted-voice backend uses for groups.
func ValidateGroupID(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4
}
