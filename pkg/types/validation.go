package types

import "regexp"

// Hard limits shared across components. MaxTeacherCodeLength bounds the
// cost of hash verification on untrusted input.
const (
	MaxTeacherCodeLength = 100
	PersistentHashLength = 20
	MinSessionIDLength   = 4
	MaxSessionIDLength   = 32
)

// Regexes compiled once at package initialization; validation runs on
// every WebSocket upgrade and API request.
var (
	sessionIDRegex    = regexp.MustCompile(`^[0-9a-f]+$`)
	hashRegex         = regexp.MustCompile(`^[0-9a-f]{20}$`)
	activityNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// IsValidSessionID checks the lowercase-hex session id format. Ids have
// adaptive length, so only the character set and bounds are fixed.
func IsValidSessionID(id string) bool {
	if len(id) < MinSessionIDLength || len(id) > MaxSessionIDLength {
		return false
	}
	return sessionIDRegex.MatchString(id)
}

// IsValidHash checks the 20-hex-char persistent link hash format
// (8-char salt followed by a 12-char HMAC truncation).
func IsValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// IsValidActivityName checks the activity identifier used in persistent
// link URLs and HMAC derivation.
func IsValidActivityName(name string) bool {
	if len(name) < 1 || len(name) > 50 {
		return false
	}
	return activityNameRegex.MatchString(name)
}

// ValidateTeacherCode bounds the candidate code before any hashing work.
func ValidateTeacherCode(code string) error {
	if code == "" {
		return ErrEmptyTeacherCode
	}
	if len(code) > MaxTeacherCodeLength {
		return ErrTeacherCodeTooLong
	}
	return nil
}
