package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// LengthPrefixSize is the size of the big-endian length prefix used when a
// whole frame sequence is stored or fetched as one byte stream.
const LengthPrefixSize = 4

// WriteStream writes frames as length-prefixed records.
func WriteStream(w io.Writer, frames [][]byte) error {
	var prefix [LengthPrefixSize]byte

	for i, raw := range frames {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(raw))) //nolint:gosec // frames are bounded by MaxFrameSize

		if _, err := w.Write(prefix[:]); err != nil {
			return fmt.Errorf("frame: writing prefix of frame %d: %w", i+1, err)
		}

		if _, err := w.Write(raw); err != nil {
			return fmt.Errorf("frame: writing frame %d: %w", i+1, err)
		}
	}

	return nil
}

// ReadStream reads length-prefixed frames from r and feeds them to a fresh
// decoder until the value is complete. A stream that ends early or carries a
// frame larger than the codec's bound is a protocol error.
func (c *Codec) ReadStream(r io.Reader) (any, error) {
	d := c.NewDecoder()

	var prefix [LengthPrefixSize]byte

	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &ProtocolError{Frame: d.Frames() + 1, Msg: "stream ended before end frame"}
			}

			return nil, &ProtocolError{Frame: d.Frames() + 1, Msg: "reading length prefix", Err: err}
		}

		size := binary.BigEndian.Uint32(prefix[:])
		if int64(size) > int64(c.maxFrameSize) {
			return nil, &ProtocolError{
				Frame: d.Frames() + 1,
				Msg:   fmt.Sprintf("frame of %d bytes exceeds bound %d", size, c.maxFrameSize),
				Err:   ErrFrameTooLarge,
			}
		}

		raw := make([]byte, size)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, &ProtocolError{Frame: d.Frames() + 1, Msg: "reading frame payload", Err: err}
		}

		done, v, err := d.Feed(raw)
		if err != nil {
			return nil, err
		}

		if done {
			return v, nil
		}
	}
}
