package link

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"classlive/pkg/types"
)

// A persistent hash is 20 hex characters: an 8-char random salt followed
// by a 12-char truncation of HMAC-SHA256(activityName|hashedCode|salt)
// under the server-wide secret. Verification needs only the activity
// name, the hash, and a candidate code; no server-side secret lookup.
const (
	saltHexLength = 8
	macHexLength  = 12
)

// GeneratedHash is the mint result handed to the teacher. The hashed
// code (not the code itself) is what link metadata records.
type GeneratedHash struct {
	Hash              string `json:"hash"`
	HashedTeacherCode string `json:"hashedTeacherCode"`
}

// VerifyResult reports the outcome of a teacher-code check. Reason is
// the internal cause and must never reach clients; they always see the
// generic invalid-code error.
type VerifyResult struct {
	Valid  bool
	Reason string
}

// HashTeacherCode digests a teacher code for embedding in the HMAC and
// in link metadata.
func HashTeacherCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func deriveMAC(secret, activityName, hashedCode, salt string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(activityName + "|" + hashedCode + "|" + salt))
	return hex.EncodeToString(mac.Sum(nil))[:macHexLength]
}

// GenerateHash mints a persistent hash for an activity and teacher code.
func GenerateHash(secret, activityName, teacherCode string) (GeneratedHash, error) {
	if !types.IsValidActivityName(activityName) {
		return GeneratedHash{}, types.ErrInvalidActivityName
	}
	if err := types.ValidateTeacherCode(teacherCode); err != nil {
		return GeneratedHash{}, err
	}

	saltBytes := make([]byte, saltHexLength/2)
	if _, err := rand.Read(saltBytes); err != nil {
		return GeneratedHash{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)

	hashedCode := HashTeacherCode(teacherCode)
	return GeneratedHash{
		Hash:              salt + deriveMAC(secret, activityName, hashedCode, salt),
		HashedTeacherCode: hashedCode,
	}, nil
}

// VerifyTeacherCode re-derives the HMAC from the hash's embedded salt
// and the candidate's digest, then compares in constant time. Malformed
// input is reported as invalid, never as an error: verification runs on
// untrusted data and must not throw.
func VerifyTeacherCode(secret, activityName, hash, candidate string) VerifyResult {
	if len(hash) != types.PersistentHashLength {
		return VerifyResult{Reason: fmt.Sprintf("hash length %d, want %d", len(hash), types.PersistentHashLength)}
	}
	if !types.IsValidHash(hash) {
		return VerifyResult{Reason: "hash is not lowercase hex"}
	}
	if !types.IsValidActivityName(activityName) {
		return VerifyResult{Reason: "invalid activity name"}
	}
	if err := types.ValidateTeacherCode(candidate); err != nil {
		return VerifyResult{Reason: err.Error()}
	}

	salt := hash[:saltHexLength]
	want := hash[saltHexLength:]
	got := deriveMAC(secret, activityName, HashTeacherCode(candidate), salt)

	// hmac.Equal treats a length mismatch as unequal without leaking
	// timing; never replace this with string equality.
	if !hmac.Equal([]byte(got), []byte(want)) {
		return VerifyResult{Reason: "hmac mismatch"}
	}
	return VerifyResult{Valid: true}
}
