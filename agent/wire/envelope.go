package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the length of the frame length prefix.
const HeaderSize = 4

// MaxFrameSize bounds the payload of a single frame. It stays below the default
// socket send buffer so one frame always fits in one datagram.
const MaxFrameSize = 128 * 1024

var (
	// ErrIncomplete means the buffer holds only part of a frame.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrFrameTooLarge means a frame header announced, or an envelope encoded to, more than MaxFrameSize bytes.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrMalformed means a complete frame did not hold a valid envelope.
	ErrMalformed = errors.New("malformed envelope")
)

type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindSignal:
		return "signal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is the unit of exchange on the bus.
type Envelope struct {
	Kind Kind `cbor:"1,keyasint"`
	// Serial is chosen by the sender and is unique per connection and direction.
	Serial uint32 `cbor:"2,keyasint,omitempty"`
	// ReplySerial is set on responses to the Serial of the request being answered.
	ReplySerial uint32 `cbor:"3,keyasint,omitempty"`
	Path        string `cbor:"4,keyasint,omitempty"`
	Member      string `cbor:"5,keyasint,omitempty"`
	// Error is an error name (see the Err* constants); empty on success.
	Error   string     `cbor:"6,keyasint,omitempty"`
	Message string     `cbor:"7,keyasint,omitempty"`
	Body    RawMessage `cbor:"8,keyasint,omitempty"`
	// FDs is the number of descriptors attached to the datagram carrying this envelope.
	FDs int `cbor:"9,keyasint,omitempty"`
}

func (e Envelope) validate() error {
	switch e.Kind {
	case KindRequest:
		if e.Member == "" {
			return fmt.Errorf("%w: request without member", ErrMalformed)
		}
	case KindResponse:
		if e.ReplySerial == 0 {
			return fmt.Errorf("%w: response without reply serial", ErrMalformed)
		}
	case KindSignal:
		if e.Member == "" {
			return fmt.Errorf("%w: signal without member", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, e.Kind)
	}
	if e.FDs < 0 {
		return fmt.Errorf("%w: negative descriptor count", ErrMalformed)
	}
	return nil
}

// Encode returns the frame for e.
func Encode(e Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	payload, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Decode reads the first frame in buf and returns the envelope and the number of bytes consumed.
// It returns ErrIncomplete, consuming nothing, if buf does not yet contain a whole frame.
func Decode(buf []byte) (Envelope, int, error) {
	if len(buf) < HeaderSize {
		return Envelope{}, 0, ErrIncomplete
	}
	size := binary.BigEndian.Uint32(buf)
	if size > MaxFrameSize {
		return Envelope{}, 0, fmt.Errorf("%w: header announces %d bytes", ErrFrameTooLarge, size)
	}
	end := HeaderSize + int(size)
	if len(buf) < end {
		return Envelope{}, 0, ErrIncomplete
	}
	var e Envelope
	if err := decMode.Unmarshal(buf[HeaderSize:end], &e); err != nil {
		return Envelope{}, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.validate(); err != nil {
		return Envelope{}, 0, err
	}
	return e, end, nil
}

// Buffer accumulates bytes from a stream and yields complete envelopes.
type Buffer struct {
	buf []byte
}

func (b *Buffer) Feed(p []byte) {
	b.buf = append(b.buf, p...)
}

// Next returns the next complete envelope, or ErrIncomplete if more bytes are needed.
// Any other error leaves the buffer unusable.
func (b *Buffer) Next() (Envelope, error) {
	e, n, err := Decode(b.buf)
	if err != nil {
		return Envelope{}, err
	}
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
	return e, nil
}

// Len is the number of buffered bytes not yet returned by Next.
func (b *Buffer) Len() int { return len(b.buf) }
