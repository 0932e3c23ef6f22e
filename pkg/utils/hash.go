package utils

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ContentHash returns the hex BLAKE2b-256 digest of the parts, each followed by a NUL separator
// so that ("ab","c") and ("a","bc") hash differently.
func ContentHash(parts ...[]byte) string {
	h, _ := blake2b.New256(nil) // only errors for keys longer than 64 bytes
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
