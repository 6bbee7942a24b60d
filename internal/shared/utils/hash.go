package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// ShortDigestLength is the number of hex characters shown for a digest.
const ShortDigestLength = 12

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestString returns the hex SHA-256 of s.
func DigestString(s string) string {
	return Digest([]byte(s))
}

// ShortDigest shortens a digest for display.
func ShortDigest(digest string) string {
	if len(digest) <= ShortDigestLength {
		return digest
	}
	return digest[:ShortDigestLength]
}
