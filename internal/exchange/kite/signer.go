package kite

import (
	"crypto/sha256"
	"encoding/hex"
)

// Checksum is the session-token exchange signature.
func Checksum(apiKey, requestToken, secret string) string {
	h := sha256.Sum256([]byte(apiKey + requestToken + secret))
	return hex.EncodeToString(h[:])
}
