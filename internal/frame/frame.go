// Package frame implements the chunked transport codec. A structured value
// (maps, sequences, scalars, text and binary buffers) is encoded depth-first
// into an ordered sequence of msgpack frames, none larger than the transport's
// message bound, and rebuilt incrementally on the receiving side one frame at a
// time.
package frame

import (
	"errors"
	"fmt"
)

// ProtocolVersion is carried in the begin frame of every encoded value.
const ProtocolVersion = 1

// MinFrameSize is the smallest accepted frame bound. Below it the per-frame
// header would leave no room for payload.
const MinFrameSize = 64

// frameOverhead is the worst-case msgpack size of a frame without its data:
// array header, three 9-byte integers and a bin32 length header.
const frameOverhead = 40

// maxDepth bounds container nesting on both sides of the wire.
const maxDepth = 256

// Kind is the type tag of a frame.
type Kind uint8

// Frame kinds.
const (
	KindBegin Kind = iota + 1
	KindEnd
	KindNil
	KindBool
	KindInt
	KindUint
	KindFloat
	KindText
	KindBinary
	KindChunk
	KindSeqStart
	KindSeqEnd
	KindMapStart
	KindMapEnd
	KindKey
)

var kindNames = map[Kind]string{
	KindBegin:    "begin",
	KindEnd:      "end",
	KindNil:      "nil",
	KindBool:     "bool",
	KindInt:      "int",
	KindUint:     "uint",
	KindFloat:    "float",
	KindText:     "text",
	KindBinary:   "binary",
	KindChunk:    "chunk",
	KindSeqStart: "seq_start",
	KindSeqEnd:   "seq_end",
	KindMapStart: "map_start",
	KindMapEnd:   "map_end",
	KindKey:      "key",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Frame is one bounded unit of the wire encoding. It is serialized as a
// msgpack array [kind, len, num, data].
//
//   - Len: total byte count for text/binary, element count for containers.
//   - Num: protocol version for begin, raw bits for bool/int/uint/float, and
//     for chunk frames the 1-based index of the text or binary header they
//     continue.
//   - Data: key bytes, or the first/next slice of a text or binary payload.
type Frame struct {
	_msgpack struct{} `msgpack:",as_array"` //nolint:unused // msgpack encoding directive

	Kind Kind
	Len  int64
	Num  uint64
	Data []byte
}

// Sentinel errors returned by the encoder.
var (
	ErrUnsupportedType  = errors.New("frame: unsupported value type")
	ErrFrameTooLarge    = errors.New("frame: frame exceeds size bound")
	ErrTooDeep          = errors.New("frame: value nested too deeply")
	ErrInvalidFrameSize = errors.New("frame: invalid frame size bound")
)

// ProtocolError reports a malformed frame sequence. It is fatal to the decoder
// (and so to the channel session) that produced it.
type ProtocolError struct {
	Frame int // 1-based index of the offending frame
	Msg   string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame: protocol error at frame %d: %s: %v", e.Frame, e.Msg, e.Err)
	}

	return fmt.Sprintf("frame: protocol error at frame %d: %s", e.Frame, e.Msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
