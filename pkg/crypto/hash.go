package crypto

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the width of every hash produced by this package
const HashSize = blake2b.Size256

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// NameHash returns the fixed-width hash a display name is registered under
func NameHash(name string) []byte {
	return Hash([]byte(name))
}

// VerifyHash verifies a hash matches the data
func VerifyHash(data []byte, expectedHash []byte) bool {
	if len(expectedHash) != HashSize {
		return false
	}
	return subtle.ConstantTimeCompare(Hash(data), expectedHash) == 1
}
