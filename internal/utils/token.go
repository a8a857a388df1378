package utils

import (
	"crypto/rand"
	"encoding/hex"
)

// TokenHex returns 2*n random hex characters.
func TokenHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("utils: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
