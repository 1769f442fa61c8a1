// Package wire provides cursor-based packing for fixed-layout payloads.
//
// All multi-byte integers use host byte order: both ends of a local
// interprocess socket share it.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/usock/internal/protocol"
)

var ErrOverflow = errors.New("wire: write exceeds capacity")

// Order is the byte order for every integer on the wire.
var Order = binary.NativeEndian

// CStringLen is the packed size of s including its NUL terminator.
func CStringLen(s string) uint64 {
	return uint64(len(s)) + 1
}

// Encoder packs into a buffer allocated once at a fixed capacity.
type Encoder struct {
	buf []byte
	off int
}

func NewEncoder(capacity uint64) (*Encoder, error) {
	if capacity > uint64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: capacity %d", protocol.ErrOutOfResource, capacity)
	}
	return &Encoder{buf: make([]byte, int(capacity))}, nil
}

func (e *Encoder) Remaining() int {
	return len(e.buf) - e.off
}

func (e *Encoder) Len() int {
	return e.off
}

// Bytes returns the packed buffer. It is only complete once Remaining is 0.
func (e *Encoder) Bytes() []byte {
	return e.buf[:e.off]
}

func (e *Encoder) reserve(n int) ([]byte, error) {
	if n > e.Remaining() {
		return nil, fmt.Errorf("%w: need %d have %d", ErrOverflow, n, e.Remaining())
	}
	b := e.buf[e.off : e.off+n]
	e.off += n
	return b, nil
}

func (e *Encoder) PutRaw(p []byte) error {
	b, err := e.reserve(len(p))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

func (e *Encoder) PutUint8(v uint8) error {
	b, err := e.reserve(1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (e *Encoder) PutUint32(v uint32) error {
	b, err := e.reserve(4)
	if err != nil {
		return err
	}
	Order.PutUint32(b, v)
	return nil
}

func (e *Encoder) PutInt32(v int32) error {
	return e.PutUint32(uint32(v))
}

func (e *Encoder) PutUint64(v uint64) error {
	b, err := e.reserve(8)
	if err != nil {
		return err
	}
	Order.PutUint64(b, v)
	return nil
}

// PutCString writes s followed by a NUL. s must not contain NUL itself.
func (e *Encoder) PutCString(s string) error {
	if i := bytes.IndexByte([]byte(s), 0); i >= 0 {
		return fmt.Errorf("%w: embedded NUL at %d", protocol.ErrMalformed, i)
	}
	b, err := e.reserve(len(s) + 1)
	if err != nil {
		return err
	}
	copy(b, s)
	b[len(s)] = 0
	return nil
}

// Decoder reads sequentially from a bounded buffer.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// NewDecoderAt starts decoding b at offset off.
func NewDecoderAt(b []byte, off int) (*Decoder, error) {
	if off < 0 || off > len(b) {
		return nil, fmt.Errorf("%w: offset %d outside %d bytes", protocol.ErrMalformed, off, len(b))
	}
	return &Decoder{buf: b, off: off}, nil
}

func (d *Decoder) Offset() int {
	return d.off
}

func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n > d.Remaining() {
		return nil, fmt.Errorf("%w: need %d have %d", protocol.ErrTruncated, n, d.Remaining())
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) Uint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return Order.Uint32(b), nil
}

func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return Order.Uint64(b), nil
}

// CString reads up to and including the next NUL. A missing terminator is
// ErrMalformed; nothing is consumed in that case.
func (d *Decoder) CString() (string, error) {
	rest := d.buf[d.off:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %d", protocol.ErrMalformed, d.off)
	}
	s := string(rest[:i])
	d.off += i + 1
	return s, nil
}
