package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Session ids are lowercase hex with adaptive length: short enough to
// read out to a classroom, growing only under collision pressure.
const (
	initialIDLength = 6
	maxIDLength     = 32
	// collisionsPerLength is how many consecutive collisions are
	// tolerated at one length before growing the id.
	collisionsPerLength = 5
)

// generateID draws length lowercase-hex characters from crypto/rand.
func generateID(length int) (string, error) {
	if length < 1 || length > maxIDLength {
		return "", fmt.Errorf("invalid id length %d", length)
	}

	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(buf)[:length], nil
}
