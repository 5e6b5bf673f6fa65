package sessions

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

var sessionIDPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

// GenerateSessionID returns an 8-hex opaque session identifier.
func GenerateSessionID() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// ValidSessionID reports whether id matches the 8-hex format. Callers
// must check this before using an id anywhere near a filesystem path.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
