package artifact

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	// sha256("")
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(""))
	assert.Equal(t, Hash("print(1)"), Artifact{Code: "print(1)"}.Hash())
}

func TestEd25519Verifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = otherPub

	v, err := NewEd25519Verifier([]string{base64.StdEncoding.EncodeToString(pub)})
	require.NoError(t, err)

	code := "print('hi')"
	assert.True(t, v.Verify(Hash(code), Sign(priv, code)))
	assert.False(t, v.Verify(Hash(code+" "), Sign(priv, code)), "hash differs")
	assert.False(t, v.Verify(Hash(code), Sign(otherPriv, code)), "untrusted key")
	assert.False(t, v.Verify(Hash(code), "not-base64!"))
	assert.False(t, v.Verify(Hash(code), ""))
}

func TestNewEd25519Verifier_Errors(t *testing.T) {
	_, err := NewEd25519Verifier(nil)
	assert.Error(t, err)

	_, err = NewEd25519Verifier([]string{"%%%"})
	assert.Error(t, err)

	_, err = NewEd25519Verifier([]string{base64.StdEncoding.EncodeToString([]byte("short"))})
	assert.ErrorContains(t, err, "want 32 bytes")
}

func TestNoopVerifier(t *testing.T) {
	var v Verifier = NoopVerifier{}
	assert.True(t, v.Verify("anything", ""))
}
