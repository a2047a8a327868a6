// Package wire turns relay messages into bytes on the connection and back.
//
// Two framings are supported. Raw framing is the historical format: a message
// is whatever one write carries and whatever one read returns, at most
// MaxPayloadSize bytes. TCP does not preserve write boundaries, so a message
// may be split or merged with its neighbours under load. Length framing
// prefixes each message with a 4-byte little-endian length and reassembles it
// on the receiving side, which makes message boundaries exact.
package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

const (
	// MaxMessageSize is the receive buffer size; one byte is reserved for a terminator.
	MaxMessageSize = 4096
	// MaxPayloadSize is the largest payload a single message may carry.
	MaxPayloadSize = MaxMessageSize - 1

	lengthHeaderSize = 4
)

// Framing selects how messages are delimited on the wire.
type Framing string

const (
	FramingRaw    Framing = "raw"
	FramingLength Framing = "length"
)

var (
	// ErrFrameTooLarge is returned for payloads above MaxPayloadSize, on
	// either side of the wire.
	ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")
	// ErrUnknownFraming is returned by NewCodec for unsupported framings.
	ErrUnknownFraming = errors.New("unknown framing")
)

// Codec frames outgoing payloads and creates decoders for incoming streams.
type Codec interface {
	// Framing reports which framing the codec implements.
	Framing() Framing

	// Frame returns the bytes to write for one payload. The result never
	// aliases payload.
	Frame(payload []byte) ([]byte, error)

	// NewDecoder returns a Decoder reading messages from r.
	NewDecoder(r io.Reader) Decoder
}

// Decoder yields one message per call. A decoder keeps partially received
// data across calls, so a read deadline expiring mid-message can be retried
// without losing the stream position. Decoders are not safe for concurrent use.
type Decoder interface {
	// Next returns the next message. io.EOF reports an orderly close by the
	// peer; timeouts are returned as-is and may be retried.
	Next() ([]byte, error)
}

// NewCodec returns the codec for framing.
//
// Parameters:
//   - framing: FramingRaw or FramingLength
//
// Returns:
//   - The codec, or ErrUnknownFraming
func NewCodec(framing Framing) (Codec, error) {
	switch framing {
	case FramingRaw:
		return RawCodec{}, nil
	case FramingLength:
		return LengthCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFraming, framing)
	}
}

// ParseFraming converts a flag value into a Framing.
func ParseFraming(s string) (Framing, error) {
	f := Framing(s)
	if _, err := NewCodec(f); err != nil {
		return "", err
	}

	return f, nil
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func checkPayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	return nil
}
