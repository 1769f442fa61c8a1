package security

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/usock/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryModulesAndLookup(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, "native,none", reg.Modules())

	p, err := reg.Lookup(" Native ")
	require.NoError(t, err)
	assert.Equal(t, "native", p.Name())

	_, err = reg.Lookup("munge")
	require.ErrorIs(t, err, ErrUnknownModule)

	key, err := NewSharedKey(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	reg.Register(key)
	reg.Register(None{})
	assert.Equal(t, "native,none,sharedkey", reg.Modules())
}

func TestNoneAndNativeCredentials(t *testing.T) {
	cred, err := None{}.CreateCredential()
	require.NoError(t, err)
	assert.Nil(t, cred)
	require.ErrorIs(t, None{}.ClientHandshake(&bytes.Buffer{}), protocol.ErrSecurityFailure)

	cred, err = Native{}.CreateCredential()
	require.NoError(t, err)
	assert.Contains(t, string(cred), ":")
	require.ErrorIs(t, Native{}.ClientHandshake(&bytes.Buffer{}), ErrHandshakeUnsupported)
}

func TestSharedKeyCredentialVerifies(t *testing.T) {
	key, err := NewSharedKey([]byte("0123456789abcdef0123"))
	require.NoError(t, err)

	cred, err := key.CreateCredential()
	require.NoError(t, err)
	require.NoError(t, key.VerifyCredential(cred))

	tampered := append([]byte(nil), cred...)
	tampered[0] ^= 0x01
	require.ErrorIs(t, key.VerifyCredential(tampered), ErrBadCredential)

	other, err := NewSharedKey([]byte("fedcba9876543210fedc"))
	require.NoError(t, err)
	require.ErrorIs(t, other.VerifyCredential(cred), protocol.ErrSecurityFailure)
}

type duplex struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (d *duplex) Read(p []byte) (int, error)  { return d.in.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.out.Write(p) }

func TestSharedKeyClientHandshake(t *testing.T) {
	key, err := NewSharedKey(bytes.Repeat([]byte{1}, minKeyLen))
	require.NoError(t, err)

	challenge := make([]byte, ChallengeLen)
	_, err = rand.Read(challenge)
	require.NoError(t, err)

	rw := &duplex{in: bytes.NewReader(challenge)}
	require.NoError(t, key.ClientHandshake(rw))
	want, err := key.Answer(challenge)
	require.NoError(t, err)
	assert.Equal(t, want, rw.out.Bytes())

	short := &duplex{in: bytes.NewReader(challenge[:4])}
	require.ErrorIs(t, key.ClientHandshake(short), protocol.ErrSecurityFailure)
}

func TestLoadSharedKey(t *testing.T) {
	dir := t.TempDir()
	hexPath := filepath.Join(dir, "key.hex")
	require.NoError(t, os.WriteFile(hexPath, []byte("00112233445566778899aabbccddeeff\n"), 0o600))
	_, err := LoadSharedKey(hexPath)
	require.NoError(t, err)

	shortPath := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(shortPath, []byte("tiny"), 0o600))
	_, err = LoadSharedKey(shortPath)
	require.ErrorIs(t, err, ErrKeyTooShort)
}
