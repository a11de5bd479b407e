// Package sha256 provides the SHA-256 content hasher used for fingerprints
// that must stay stable across deployments and tooling.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements fingerprint.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Name identifies the algorithm in stored fingerprints.
func (*Hasher) Name() string { return "sha256" }

// Sum hashes the input and returns a hex digest.
func (*Hasher) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
