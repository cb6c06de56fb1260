package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hivenet-dev/hiveswap/pkg/codec/cborcanon"
	"github.com/hivenet-dev/hiveswap/pkg/constants"
)

// Limits bounds what the codec will encode or accept. The zero value of a
// field falls back to the package default.
type Limits struct {
	// MaxMessageSize bounds the framed body length
	MaxMessageSize int

	// MaxWantlistEntries bounds the wantlist section
	MaxWantlistEntries int
}

// DefaultLimits returns the default codec limits
func DefaultLimits() Limits {
	return Limits{
		MaxMessageSize:     constants.MaxMessageSize,
		MaxWantlistEntries: constants.MaxWantlistEntries,
	}
}

func (l Limits) maxSize() int {
	if l.MaxMessageSize <= 0 {
		return constants.MaxMessageSize
	}
	return l.MaxMessageSize
}

func (l Limits) maxEntries() int {
	if l.MaxWantlistEntries <= 0 {
		return constants.MaxWantlistEntries
	}
	return l.MaxWantlistEntries
}

// Encode marshals the message body to canonical CBOR and returns the
// length-prefixed frame: a big-endian uint32 body length followed by the
// body. Messages exceeding the limits refuse to encode.
func (m *Message) Encode(limits Limits) ([]byte, error) {
	if len(m.Wantlist) > limits.maxEntries() {
		return nil, fmt.Errorf("%w: %d wantlist entries (limit %d)",
			ErrTooManyEntries, len(m.Wantlist), limits.maxEntries())
	}
	body, err := cborcanon.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message body: %w", err)
	}
	if len(body) > limits.maxSize() {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)",
			ErrMessageTooLarge, len(body), limits.maxSize())
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// WriteTo encodes the message and writes the frame to w
func (m *Message) WriteTo(w io.Writer, limits Limits) error {
	frame, err := m.Encode(limits)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decode reads one length-prefixed frame from r and unmarshals the body.
// Oversized or structurally invalid frames are rejected whole as malformed;
// nothing is partially processed.
func Decode(r io.Reader, limits Limits) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if int(size) > limits.maxSize() {
		return nil, NewMalformedError(fmt.Errorf("%w: frame of %d bytes (limit %d)",
			ErrMessageTooLarge, size, limits.maxSize()))
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, NewMalformedError(fmt.Errorf("truncated frame: %w", err))
	}
	return DecodeBody(body, limits)
}

// DecodeBody unmarshals an already-deframed message body
func DecodeBody(body []byte, limits Limits) (*Message, error) {
	if len(body) > limits.maxSize() {
		return nil, NewMalformedError(fmt.Errorf("%w: body of %d bytes (limit %d)",
			ErrMessageTooLarge, len(body), limits.maxSize()))
	}
	var m Message
	if err := cborcanon.Unmarshal(body, &m); err != nil {
		return nil, NewMalformedError(fmt.Errorf("decode message body: %w", err))
	}
	if len(m.Wantlist) > limits.maxEntries() {
		return nil, NewMalformedError(fmt.Errorf("%w: %d wantlist entries (limit %d)",
			ErrTooManyEntries, len(m.Wantlist), limits.maxEntries()))
	}
	for _, e := range m.Wantlist {
		if !e.CID.Defined() {
			return nil, NewMalformedError(fmt.Errorf("wantlist entry with undefined CID"))
		}
	}
	for _, p := range m.Payload {
		if !p.CID.Defined() {
			return nil, NewMalformedError(fmt.Errorf("payload with undefined CID"))
		}
		if len(p.Data) > constants.MaxBlockSize {
			return nil, NewMalformedError(fmt.Errorf("payload block of %d bytes (limit %d)",
				len(p.Data), constants.MaxBlockSize))
		}
	}
	for _, p := range m.Presences {
		if !p.CID.Defined() {
			return nil, NewMalformedError(fmt.Errorf("presence with undefined CID"))
		}
	}
	return &m, nil
}
