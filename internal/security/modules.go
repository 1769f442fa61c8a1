package security

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrHandshakeUnsupported = errors.New("security: module has no interactive handshake")

// None offers no credential and cannot authenticate interactively.
type None struct{}

func (None) Name() string { return "none" }

func (None) CreateCredential() ([]byte, error) { return nil, nil }

func (None) ClientHandshake(io.ReadWriter) error {
	return Failure("none", ErrHandshakeUnsupported)
}

// Native sends the process uid and gid; the server checks them against the
// peer credentials of the socket, so no interactive exchange exists.
type Native struct{}

func (Native) Name() string { return "native" }

func (Native) CreateCredential() ([]byte, error) {
	return []byte(fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())), nil
}

func (Native) ClientHandshake(io.ReadWriter) error {
	return Failure("native", ErrHandshakeUnsupported)
}
