package frame

import (
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes values into frames no larger than MaxFrameSize bytes and
// creates decoders for the receiving side. It holds no mutable state and is
// safe for concurrent use.
type Codec struct {
	maxFrameSize int
}

// NewCodec returns a Codec for the given frame bound (the transport's message
// size limit).
func NewCodec(maxFrameSize int) (*Codec, error) {
	if maxFrameSize < MinFrameSize {
		return nil, fmt.Errorf("%w: %d (minimum %d)", ErrInvalidFrameSize, maxFrameSize, MinFrameSize)
	}

	return &Codec{maxFrameSize: maxFrameSize}, nil
}

// MaxFrameSize returns the frame bound.
func (c *Codec) MaxFrameSize() int {
	return c.maxFrameSize
}

// payloadBudget is the number of data bytes one frame may carry.
func (c *Codec) payloadBudget() int {
	return c.maxFrameSize - frameOverhead
}

// NewDecoder returns a fresh decoder for one transfer session.
func (c *Codec) NewDecoder() *Decoder {
	return &Decoder{}
}

// Encode walks v depth-first and returns the msgpack bytes of every frame, in
// order, starting with begin and ending with end.
func (c *Codec) Encode(v any) ([][]byte, error) {
	frames, err := c.Frames(v)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(frames))

	for i := range frames {
		raw, err := c.Marshal(frames[i])
		if err != nil {
			return nil, err
		}

		out = append(out, raw)
	}

	return out, nil
}

// Frames is Encode without the msgpack step.
func (c *Codec) Frames(v any) ([]Frame, error) {
	e := &encoder{budget: c.payloadBudget()}
	e.emit(Frame{Kind: KindBegin, Num: ProtocolVersion})

	if err := e.value(v, 0); err != nil {
		return nil, err
	}

	e.emit(Frame{Kind: KindEnd})

	return e.frames, nil
}

// Marshal serializes one frame and enforces the size bound.
func (c *Codec) Marshal(f Frame) ([]byte, error) {
	raw, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("frame: marshaling %s frame: %w", f.Kind, err)
	}

	if len(raw) > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %s frame is %d bytes, bound %d", ErrFrameTooLarge, f.Kind, len(raw), c.maxFrameSize)
	}

	return raw, nil
}

// Unmarshal parses one frame from its msgpack bytes.
func Unmarshal(raw []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("frame: unmarshaling frame: %w", err)
	}

	return f, nil
}

type encoder struct {
	budget int
	frames []Frame
}

func (e *encoder) emit(f Frame) {
	e.frames = append(e.frames, f)
}

func (e *encoder) value(v any, depth int) error {
	if depth > maxDepth {
		return ErrTooDeep
	}

	switch x := v.(type) {
	case nil:
		e.emit(Frame{Kind: KindNil})
	case bool:
		var n uint64
		if x {
			n = 1
		}

		e.emit(Frame{Kind: KindBool, Num: n})
	case int:
		e.int(int64(x))
	case int8:
		e.int(int64(x))
	case int16:
		e.int(int64(x))
	case int32:
		e.int(int64(x))
	case int64:
		e.int(x)
	case uint:
		e.emit(Frame{Kind: KindUint, Num: uint64(x)})
	case uint8:
		e.emit(Frame{Kind: KindUint, Num: uint64(x)})
	case uint16:
		e.emit(Frame{Kind: KindUint, Num: uint64(x)})
	case uint32:
		e.emit(Frame{Kind: KindUint, Num: uint64(x)})
	case uint64:
		e.emit(Frame{Kind: KindUint, Num: x})
	case float32:
		e.emit(Frame{Kind: KindFloat, Num: math.Float64bits(float64(x))})
	case float64:
		e.emit(Frame{Kind: KindFloat, Num: math.Float64bits(x)})
	case string:
		e.chunked(KindText, []byte(x))
	case []byte:
		e.chunked(KindBinary, x)
	case []any:
		return e.seq(len(x), func(i int) any { return x[i] }, depth)
	case map[string]any:
		return e.mapping(x, depth)
	default:
		return e.reflectValue(reflect.ValueOf(v), depth)
	}

	return nil
}

func (e *encoder) int(n int64) {
	e.emit(Frame{Kind: KindInt, Num: uint64(n)})
}

// chunked emits a text or binary header carrying the first slice of data,
// followed by as many chunk frames as the rest needs. Each chunk is tagged
// with the header's position in the sequence.
func (e *encoder) chunked(kind Kind, data []byte) {
	first := min(len(data), e.budget)
	e.emit(Frame{Kind: kind, Len: int64(len(data)), Data: data[:first]})

	header := uint64(len(e.frames))

	for off := first; off < len(data); off += e.budget {
		end := min(off+e.budget, len(data))
		e.emit(Frame{Kind: KindChunk, Num: header, Data: data[off:end]})
	}
}

func (e *encoder) seq(n int, at func(int) any, depth int) error {
	e.emit(Frame{Kind: KindSeqStart, Len: int64(n)})

	for i := range n {
		if err := e.value(at(i), depth+1); err != nil {
			return err
		}
	}

	e.emit(Frame{Kind: KindSeqEnd, Len: int64(n)})

	return nil
}

func (e *encoder) mapping(m map[string]any, depth int) error {
	e.emit(Frame{Kind: KindMapStart, Len: int64(len(m))})

	for _, k := range slices.Sorted(maps.Keys(m)) {
		if err := e.key(k); err != nil {
			return err
		}

		if err := e.value(m[k], depth+1); err != nil {
			return err
		}
	}

	e.emit(Frame{Kind: KindMapEnd, Len: int64(len(m))})

	return nil
}

func (e *encoder) key(k string) error {
	if len(k) > e.budget {
		return fmt.Errorf("%w: key of %d bytes exceeds payload budget %d", ErrFrameTooLarge, len(k), e.budget)
	}

	e.emit(Frame{Kind: KindKey, Data: []byte(k)})

	return nil
}

// reflectValue handles typed slices and string-keyed maps ([]string,
// map[string]string, ...) that the fast path does not list.
func (e *encoder) reflectValue(rv reflect.Value, depth int) error {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return e.seq(rv.Len(), func(i int) any { return rv.Index(i).Interface() }, depth)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map key %s", ErrUnsupportedType, rv.Type().Key())
		}

		m := make(map[string]any, rv.Len())

		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}

		return e.mapping(m, depth)
	case reflect.Pointer:
		if rv.IsNil() {
			e.emit(Frame{Kind: KindNil})
			return nil
		}

		return e.value(rv.Elem().Interface(), depth)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
	}
}
