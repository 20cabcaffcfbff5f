package utils

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// RedactAddress returns a short stable digest of a channel address for logs.
func RedactAddress(address string) string {
	if address == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(address))
	return hex.EncodeToString(sum[:6])
}
