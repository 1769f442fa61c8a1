package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// ChallengeLen is the size of the server nonce and of the MAC answering it.
	ChallengeLen = 32
	minKeyLen    = 16
)

var (
	ErrKeyTooShort   = errors.New("security: shared key too short")
	ErrBadCredential = errors.New("security: credential does not verify")
)

// SharedKey authenticates with a key both ends read from a private file.
//
// Credential: "<uid>.<pid>.<hex nonce>.<hex mac>" where mac is keyed BLAKE2b
// over the first three fields. Interactive handshake: the server sends a
// ChallengeLen nonce, the client answers with the keyed MAC of it.
type SharedKey struct {
	key []byte
}

func NewSharedKey(key []byte) (*SharedKey, error) {
	if len(key) < minKeyLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooShort, len(key))
	}
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &SharedKey{key: append([]byte(nil), key...)}, nil
}

// LoadSharedKey reads a hex or raw key from path.
func LoadSharedKey(path string) (*SharedKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("security: load shared key: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if decoded, err := hex.DecodeString(trimmed); err == nil {
		return NewSharedKey(decoded)
	}
	return NewSharedKey([]byte(trimmed))
}

func (*SharedKey) Name() string { return "sharedkey" }

func (k *SharedKey) mac(parts ...[]byte) ([]byte, error) {
	h, err := blake2b.New256(k.key)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil), nil
}

func (k *SharedKey) CreateCredential() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, Failure(k.Name(), err)
	}
	body := fmt.Sprintf("%d.%d.%s", os.Getuid(), os.Getpid(), hex.EncodeToString(nonce))
	sum, err := k.mac([]byte(body))
	if err != nil {
		return nil, Failure(k.Name(), err)
	}
	return []byte(body + "." + hex.EncodeToString(sum)), nil
}

// VerifyCredential is the server-side check of CreateCredential output.
func (k *SharedKey) VerifyCredential(cred []byte) error {
	s := string(cred)
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return Failure(k.Name(), ErrBadCredential)
	}
	got, err := hex.DecodeString(s[i+1:])
	if err != nil {
		return Failure(k.Name(), ErrBadCredential)
	}
	want, err := k.mac([]byte(s[:i]))
	if err != nil {
		return Failure(k.Name(), err)
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return Failure(k.Name(), ErrBadCredential)
	}
	return nil
}

func (k *SharedKey) ClientHandshake(rw io.ReadWriter) error {
	challenge := make([]byte, ChallengeLen)
	if _, err := io.ReadFull(rw, challenge); err != nil {
		return Failure(k.Name(), fmt.Errorf("read challenge: %w", err))
	}
	answer, err := k.Answer(challenge)
	if err != nil {
		return Failure(k.Name(), err)
	}
	if _, err := rw.Write(answer); err != nil {
		return Failure(k.Name(), fmt.Errorf("write answer: %w", err))
	}
	return nil
}

// Answer is the MAC a client must return for challenge.
func (k *SharedKey) Answer(challenge []byte) ([]byte, error) {
	return k.mac([]byte("challenge"), challenge)
}
