package crypt

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize       = 32
	kdfIterations = 600_000
)

// kdfSalt is fixed so that the same configured secret always derives the
// same key: a backup written under a secret must remain restorable later
// with that secret alone.
var kdfSalt = []byte("pgvault/stream-key/v1")

// DeriveKey derives the AES-256 key for one run from the configured secret.
// The result is held in memory only and must never be logged or persisted.
func DeriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), kdfSalt, kdfIterations, keySize, sha256.New)
}
