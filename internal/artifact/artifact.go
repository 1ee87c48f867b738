// Package artifact describes executable payloads and verifies their provenance.
package artifact

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrSignatureMismatch = errors.New("artifact signature mismatch")

// Artifact is the code a job runs.
type Artifact struct {
	Language  string `json:"language"`
	Code      string `json:"code"`
	Signature string `json:"signature,omitempty"` // base64 ed25519 signature over the code hash
}

// Hash returns the hex SHA-256 of the code.
func Hash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func (a Artifact) Hash() string { return Hash(a.Code) }

// Verifier checks that a signature was produced for codeHash.
type Verifier interface {
	Verify(codeHash, signature string) bool
}

// NoopVerifier accepts everything. Development only.
type NoopVerifier struct{}

func (NoopVerifier) Verify(string, string) bool { return true }

// Ed25519Verifier accepts a signature made by any of its trusted keys.
type Ed25519Verifier struct {
	keys []ed25519.PublicKey
}

// NewEd25519Verifier parses base64-encoded public keys.
func NewEd25519Verifier(encoded []string) (*Ed25519Verifier, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("at least one public key is required")
	}
	v := &Ed25519Verifier{}
	for i, s := range encoded {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("public key %d: %w", i, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key %d: want %d bytes, got %d", i, ed25519.PublicKeySize, len(raw))
		}
		v.keys = append(v.keys, ed25519.PublicKey(raw))
	}
	return v, nil
}

func (v *Ed25519Verifier) Verify(codeHash, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	for _, k := range v.keys {
		if ed25519.Verify(k, []byte(codeHash), sig) {
			return true
		}
	}
	return false
}

// Sign produces the signature Ed25519Verifier expects. Used by tooling and tests.
func Sign(key ed25519.PrivateKey, code string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, []byte(Hash(code))))
}
