package handshake

import (
	"fmt"
	"io"

	"github.com/danmuck/usock/internal/protocol/wire"
)

// Status is the 4-byte code the server answers a request with.
type Status int32

const (
	StatusSuccess Status = 0
	// StatusReadyForHandshake asks the client to run its security
	// provider's interactive exchange before the index is sent.
	StatusReadyForHandshake Status = -18
)

// StatusLen and IndexLen are the reply field sizes.
const (
	StatusLen = 4
	IndexLen  = 4
)

// CarriesIndex reports whether an assigned index follows s on the wire.
func (s Status) CarriesIndex() bool {
	return s == StatusSuccess || s == StatusReadyForHandshake
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadyForHandshake:
		return "ready-for-handshake"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

func DecodeStatus(b []byte) (Status, error) {
	v, err := wire.NewDecoder(b).Int32()
	if err != nil {
		return 0, asMalformed(err)
	}
	return Status(v), nil
}

func DecodeIndex(b []byte) (int32, error) {
	v, err := wire.NewDecoder(b).Int32()
	if err != nil {
		return 0, asMalformed(err)
	}
	return v, nil
}

func EncodeStatus(s Status) []byte {
	b := make([]byte, StatusLen)
	wire.Order.PutUint32(b, uint32(s))
	return b
}

func EncodeIndex(index int32) []byte {
	b := make([]byte, IndexLen)
	wire.Order.PutUint32(b, uint32(index))
	return b
}

// WriteReply writes a status and, when the status carries one, the index.
// Servers send the two parts separately when an interactive security
// exchange sits between them; this helper is for the plain case.
func WriteReply(w io.Writer, s Status, index int32) error {
	if _, err := w.Write(EncodeStatus(s)); err != nil {
		return err
	}
	if !s.CarriesIndex() {
		return nil
	}
	_, err := w.Write(EncodeIndex(index))
	return err
}
