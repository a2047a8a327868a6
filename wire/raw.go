package wire

import (
	"io"
)

// RawCodec sends payloads unframed and treats every read as one message.
type RawCodec struct{}

// Framing implements Codec.
func (RawCodec) Framing() Framing {
	return FramingRaw
}

// Frame implements Codec.
func (RawCodec) Frame(payload []byte) ([]byte, error) {
	if err := checkPayload(payload); err != nil {
		return nil, err
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// NewDecoder implements Codec.
func (RawCodec) NewDecoder(r io.Reader) Decoder {
	return &rawDecoder{r: r, buf: make([]byte, MaxMessageSize)}
}

type rawDecoder struct {
	r   io.Reader
	buf []byte
	err error
}

func (d *rawDecoder) Next() ([]byte, error) {
	if d.err != nil {
		err := d.err
		d.err = nil
		return nil, err
	}

	for {
		n, err := d.r.Read(d.buf[:MaxPayloadSize])
		if n > 0 {
			// Deliver the data now; the error surfaces on the next call.
			d.err = err
			msg := make([]byte, n)
			copy(msg, d.buf[:n])
			return msg, nil
		}

		if err != nil {
			return nil, err
		}
	}
}
