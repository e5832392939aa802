package crdt

import (
	"crypto/sha256"
	"encoding/base64"
)

// Fingerprint is base64(SHA-256(stateVector)). Two replicas with equal
// fingerprints hold the same content.
func Fingerprint(stateVector []byte) string {
	sum := sha256.Sum256(stateVector)
	return base64.StdEncoding.EncodeToString(sum[:])
}
