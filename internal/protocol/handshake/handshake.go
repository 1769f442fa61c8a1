// Package handshake encodes the connection request a client sends before
// steady-state messaging, and the server's reply.
//
// Request payload layout, in order:
//
//	namespace         NUL-terminated
//	rank              4 bytes
//	version           NUL-terminated
//	credential        NUL-terminated, empty when none is offered
//	---- receivers predating ExtensionsSince stop here ----
//	security modules  NUL-terminated, comma separated
//	serialization     NUL-terminated
//	buffer type       1 byte (BufferDescription)
//	data store        NUL-terminated
//
// Fields are only ever appended after data store. The header's payload
// length bounds every read, so old receivers skip what they do not know.
package handshake

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/danmuck/usock/internal/protocol"
	"github.com/danmuck/usock/internal/protocol/frame"
	"github.com/danmuck/usock/internal/protocol/wire"
)

// BufferDescription tells the server how post-handshake buffers are packed.
type BufferDescription uint8

const (
	BufferCompact        BufferDescription = 1
	BufferFullyDescribed BufferDescription = 2
)

func (b BufferDescription) String() string {
	switch b {
	case BufferCompact:
		return "compact"
	case BufferFullyDescribed:
		return "fully-described"
	default:
		return fmt.Sprintf("buffer(%d)", uint8(b))
	}
}

// ExtensionsSince is the first protocol revision whose receivers read the
// fields after the credential.
var ExtensionsSince = semver.MustParse("2.1.0")

// Prefix is the frozen head of the request. Never reorder or retype it.
type Prefix struct {
	Namespace  string
	Rank       uint32
	Version    string
	Credential string
}

// Extensions are appended after the credential.
type Extensions struct {
	SecurityModules   string
	SerializationTag  string
	BufferDescription BufferDescription
	DataStoreTag      string
}

type Request struct {
	Prefix
	Extensions
}

// PayloadLen is the exact packed payload size of r.
func PayloadLen(r Request) uint64 {
	return wire.CStringLen(r.Namespace) + 4 +
		wire.CStringLen(r.Version) +
		wire.CStringLen(r.Credential) +
		wire.CStringLen(r.SecurityModules) +
		wire.CStringLen(r.SerializationTag) + 1 +
		wire.CStringLen(r.DataStoreTag)
}

// Encode returns the complete request frame, header included. The buffer is
// sized once from PayloadLen; leftover or missing capacity is an error.
func Encode(r Request) ([]byte, error) {
	switch r.BufferDescription {
	case BufferCompact, BufferFullyDescribed:
	default:
		return nil, fmt.Errorf("%w: buffer description %d", protocol.ErrMalformed, r.BufferDescription)
	}

	n := PayloadLen(r)
	enc, err := wire.NewEncoder(frame.HeaderLen + n)
	if err != nil {
		return nil, err
	}
	steps := []func() error{
		func() error {
			return frame.PutHeader(enc, frame.Header{
				SenderIndex: frame.HandshakeSender,
				Tag:         frame.HandshakeTag,
				PayloadLen:  n,
			})
		},
		func() error { return enc.PutCString(r.Namespace) },
		func() error { return enc.PutUint32(r.Rank) },
		func() error { return enc.PutCString(r.Version) },
		func() error { return enc.PutCString(r.Credential) },
		func() error { return enc.PutCString(r.SecurityModules) },
		func() error { return enc.PutCString(r.SerializationTag) },
		func() error { return enc.PutUint8(uint8(r.BufferDescription)) },
		func() error { return enc.PutCString(r.DataStoreTag) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	if enc.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d unused bytes after handshake payload", protocol.ErrMalformed, enc.Remaining())
	}
	return enc.Bytes(), nil
}

// DecodePrefix reads the frozen prefix from payload and returns the offset
// just past the credential. It never looks beyond that offset.
func DecodePrefix(payload []byte) (Prefix, int, error) {
	dec := wire.NewDecoder(payload)
	var p Prefix
	var err error
	if p.Namespace, err = dec.CString(); err != nil {
		return Prefix{}, 0, fmt.Errorf("namespace: %w", err)
	}
	if p.Rank, err = dec.Uint32(); err != nil {
		return Prefix{}, 0, fmt.Errorf("rank: %w", asMalformed(err))
	}
	if p.Version, err = dec.CString(); err != nil {
		return Prefix{}, 0, fmt.Errorf("version: %w", err)
	}
	if p.Credential, err = dec.CString(); err != nil {
		return Prefix{}, 0, fmt.Errorf("credential: %w", err)
	}
	return p, dec.Offset(), nil
}

// DecodeExtensions reads the appended fields starting at offset.
func DecodeExtensions(payload []byte, offset int) (Extensions, error) {
	dec, err := wire.NewDecoderAt(payload, offset)
	if err != nil {
		return Extensions{}, err
	}
	var e Extensions
	if e.SecurityModules, err = dec.CString(); err != nil {
		return Extensions{}, fmt.Errorf("security modules: %w", err)
	}
	if e.SerializationTag, err = dec.CString(); err != nil {
		return Extensions{}, fmt.Errorf("serialization: %w", err)
	}
	flag, err := dec.Uint8()
	if err != nil {
		return Extensions{}, fmt.Errorf("buffer type: %w", asMalformed(err))
	}
	e.BufferDescription = BufferDescription(flag)
	if e.DataStoreTag, err = dec.CString(); err != nil {
		return Extensions{}, fmt.Errorf("data store: %w", err)
	}
	return e, nil
}

// DecodeRequest parses a full request frame the way a receiver running
// revision would: extensions are only read when revision understands them.
func DecodeRequest(b []byte, revision *semver.Version) (Request, bool, error) {
	h, payload, err := frame.Split(b)
	if err != nil {
		return Request{}, false, asMalformed(err)
	}
	if !h.IsHandshake() {
		return Request{}, false, fmt.Errorf("%w: not a handshake frame (sender=%d tag=%d)", protocol.ErrMalformed, h.SenderIndex, h.Tag)
	}
	prefix, off, err := DecodePrefix(payload)
	if err != nil {
		return Request{}, false, err
	}
	req := Request{Prefix: prefix}
	if revision != nil && revision.LessThan(ExtensionsSince) {
		return req, false, nil
	}
	ext, err := DecodeExtensions(payload, off)
	if err != nil {
		return Request{}, false, err
	}
	req.Extensions = ext
	return req, true, nil
}

func asMalformed(err error) error {
	return fmt.Errorf("%w: %w", protocol.ErrMalformed, err)
}
