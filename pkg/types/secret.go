package types

import (
	"crypto/rand"
	"encoding/hex"
)

// NewSecret returns a hex-encoded 32-byte random secret. Used for callback
// keys, input file keys and session tokens.
func NewSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
