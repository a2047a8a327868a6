package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cyberinferno/tcprelay/utils"
)

// LengthCodec prefixes every payload with its length as a little-endian uint32.
// Zero-length frames are valid on the wire and skipped by the decoder.
type LengthCodec struct{}

// Framing implements Codec.
func (LengthCodec) Framing() Framing {
	return FramingLength
}

// Frame implements Codec.
func (LengthCodec) Frame(payload []byte) ([]byte, error) {
	if err := checkPayload(payload); err != nil {
		return nil, err
	}

	header := make([]byte, lengthHeaderSize)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	return utils.JoinBytes(header, payload), nil
}

// NewDecoder implements Codec.
func (LengthCodec) NewDecoder(r io.Reader) Decoder {
	return &lengthDecoder{r: r, buf: make([]byte, MaxMessageSize)}
}

type lengthDecoder struct {
	r       io.Reader
	buf     []byte
	pending []byte
	err     error
}

func (d *lengthDecoder) Next() ([]byte, error) {
	for {
		msg, ok, err := d.extract()
		if err != nil {
			return nil, err
		}

		if ok {
			if len(msg) == 0 {
				continue
			}

			return msg, nil
		}

		if d.err != nil {
			err := d.err
			d.err = nil
			return nil, d.finalError(err)
		}

		n, err := d.r.Read(d.buf)
		d.pending = append(d.pending, d.buf[:n]...)
		if err != nil {
			if n > 0 {
				d.err = err
				continue
			}

			return nil, d.finalError(err)
		}
	}
}

// extract pops one complete frame from pending, if there is one.
func (d *lengthDecoder) extract() ([]byte, bool, error) {
	if len(d.pending) < lengthHeaderSize {
		return nil, false, nil
	}

	size := binary.LittleEndian.Uint32(d.pending[:lengthHeaderSize])
	if size > MaxPayloadSize {
		return nil, false, fmt.Errorf("%w: header announces %d bytes", ErrFrameTooLarge, size)
	}

	end := lengthHeaderSize + int(size)
	if len(d.pending) < end {
		return nil, false, nil
	}

	msg := make([]byte, size)
	copy(msg, d.pending[lengthHeaderSize:end])
	d.pending = append(d.pending[:0], d.pending[end:]...)
	return msg, true, nil
}

// finalError reports a clean EOF in the middle of a frame as truncation.
func (d *lengthDecoder) finalError(err error) error {
	if err == io.EOF && len(d.pending) > 0 {
		return io.ErrUnexpectedEOF
	}

	return err
}
