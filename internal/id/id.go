package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// TempBytes is the entropy of temp names: 192 bits, rendered as 48 hex chars.
const TempBytes = 24

// Random returns n crypto-random bytes hex encoded.
func Random(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Temp returns a name for a temp file, without extension.
func Temp() (string, error) {
	return Random(TempBytes)
}
