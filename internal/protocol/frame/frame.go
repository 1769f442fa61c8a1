package frame

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/usock/internal/protocol"
	"github.com/danmuck/usock/internal/protocol/wire"
)

const (
	// HeaderLen is the fixed size of sender_index, tag and payload_length.
	HeaderLen = 16

	// HandshakeSender and HandshakeTag mark the connection request frame.
	HandshakeSender int32  = -1
	HandshakeTag    uint32 = 0xFFFFFFFF

	// TagDynamicBase is the first tag handed out for send/recv correlation.
	// Lower tags are reserved for fixed server notifications.
	TagDynamicBase uint32 = 100
)

var (
	ErrShortHeader     = fmt.Errorf("%w: frame: short fixed header", protocol.ErrTruncated)
	ErrShortPayload    = fmt.Errorf("%w: frame: payload shorter than declared", protocol.ErrTruncated)
	ErrPayloadTooLarge = fmt.Errorf("%w: frame", protocol.ErrPayloadTooLarge)
)

// Header is the fixed wire header.
type Header struct {
	SenderIndex int32
	Tag         uint32
	PayloadLen  uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

func (l Limits) WithDefaults() Limits {
	if l.MaxPayloadBytes == 0 {
		l.MaxPayloadBytes = DefaultLimits().MaxPayloadBytes
	}
	return l
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return Frame{}, ErrShortPayload
			}
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes header and payload as one buffer so a frame is never
// interleaved with another writer's bytes at the syscall level.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Encode packs f with PayloadLen set from the payload.
func Encode(f Frame, limits Limits) ([]byte, error) {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	h := f.Header
	h.PayloadLen = payloadLen

	enc, err := wire.NewEncoder(HeaderLen + payloadLen)
	if err != nil {
		return nil, err
	}
	if err := PutHeader(enc, h); err != nil {
		return nil, err
	}
	if err := enc.PutRaw(f.Payload); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	wire.Order.PutUint32(buf[0:4], uint32(h.SenderIndex))
	wire.Order.PutUint32(buf[4:8], h.Tag)
	wire.Order.PutUint64(buf[8:16], h.PayloadLen)
	return buf
}

// PutHeader writes h at the encoder cursor.
func PutHeader(enc *wire.Encoder, h Header) error {
	if err := enc.PutInt32(h.SenderIndex); err != nil {
		return err
	}
	if err := enc.PutUint32(h.Tag); err != nil {
		return err
	}
	return enc.PutUint64(h.PayloadLen)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		SenderIndex: int32(wire.Order.Uint32(b[0:4])),
		Tag:         wire.Order.Uint32(b[4:8]),
		PayloadLen:  wire.Order.Uint64(b[8:16]),
	}, nil
}

// Split decodes the header at the front of b and returns exactly the
// declared payload. Trailing bytes beyond the declared length are ignored.
func Split(b []byte) (Header, []byte, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	avail := uint64(len(b) - HeaderLen)
	if h.PayloadLen > avail {
		return Header{}, nil, fmt.Errorf("%w: declared %d have %d", ErrShortPayload, h.PayloadLen, avail)
	}
	return h, b[HeaderLen : HeaderLen+int(h.PayloadLen)], nil
}

// IsHandshake reports whether h carries the connection request sentinels.
func (h Header) IsHandshake() bool {
	return h.SenderIndex == HandshakeSender && h.Tag == HandshakeTag
}
