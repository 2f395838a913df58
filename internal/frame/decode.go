package frame

import (
	"fmt"
	"math"
)

// preallocCap caps up-front allocation for a text/binary value or container
// so a hostile length field cannot force a huge allocation before any data
// has arrived.
const preallocCap = 1 << 20

type decoderState int

const (
	stateIdle decoderState = iota
	stateActive
	stateDone
	stateFailed
)

// container is an open sequence or mapping on the decoder stack.
type container struct {
	kind   Kind // KindSeqStart or KindMapStart
	want   int64
	seq    []any
	m      map[string]any
	key    string
	hasKey bool
}

func (c *container) count() int64 {
	if c.kind == KindSeqStart {
		return int64(len(c.seq))
	}

	return int64(len(c.m))
}

// pending is a text or binary value still waiting for chunk frames.
type pending struct {
	kind   Kind
	header uint64 // frame index of the header, carried by every chunk
	want   int64
	buf    []byte
}

func (p *pending) value() any {
	if p.kind == KindText {
		return string(p.buf)
	}

	if p.buf == nil {
		return []byte{}
	}

	return p.buf
}

// Decoder rebuilds one value from its frames. Each Feed call consumes exactly
// one frame, so the decoder tolerates any transport message size as long as
// frames arrive in order. A Decoder is not safe for concurrent use; the
// transfer registry serializes access per channel.
type Decoder struct {
	state  decoderState
	frames int
	stack  []*container
	open   *pending
	root   any
	filled bool
	err    error
}

// Feed decodes one msgpack frame. It returns done=true together with the
// fully materialized value once the end frame has been consumed.
func (d *Decoder) Feed(raw []byte) (bool, any, error) {
	if d.err != nil {
		return false, nil, d.err
	}

	f, err := Unmarshal(raw)
	if err != nil {
		d.frames++
		return false, nil, d.fail("undecodable frame", err)
	}

	return d.FeedFrame(f)
}

// FeedFrame is Feed for an already parsed frame.
func (d *Decoder) FeedFrame(f Frame) (bool, any, error) {
	if d.err != nil {
		return false, nil, d.err
	}

	d.frames++

	switch d.state {
	case stateIdle:
		if f.Kind != KindBegin {
			return false, nil, d.fail(fmt.Sprintf("expected begin frame, got %s", f.Kind), nil)
		}

		if f.Num != ProtocolVersion {
			return false, nil, d.fail(fmt.Sprintf("unsupported protocol version %d", f.Num), nil)
		}

		d.state = stateActive

		return false, nil, nil
	case stateDone:
		return false, nil, d.fail("frame after end of value", nil)
	}

	if d.open != nil {
		return false, nil, d.chunk(f)
	}

	if f.Kind == KindEnd {
		if !d.filled || len(d.stack) > 0 {
			return false, nil, d.fail("end frame before value was complete", nil)
		}

		d.state = stateDone

		return true, d.root, nil
	}

	return false, nil, d.apply(f)
}

// Done reports whether the decoder has produced its value.
func (d *Decoder) Done() bool {
	return d.state == stateDone
}

// Frames returns the number of frames consumed so far.
func (d *Decoder) Frames() int {
	return d.frames
}

func (d *Decoder) apply(f Frame) error {
	switch f.Kind {
	case KindNil:
		return d.place(nil)
	case KindBool:
		if f.Num > 1 {
			return d.fail(fmt.Sprintf("bool frame with value %d", f.Num), nil)
		}

		return d.place(f.Num == 1)
	case KindInt:
		return d.place(int64(f.Num))
	case KindUint:
		return d.place(f.Num)
	case KindFloat:
		return d.place(math.Float64frombits(f.Num))
	case KindText, KindBinary:
		return d.startPayload(f)
	case KindSeqStart, KindMapStart:
		return d.push(f)
	case KindSeqEnd, KindMapEnd:
		return d.pop(f)
	case KindKey:
		return d.key(f)
	case KindChunk:
		return d.fail("chunk frame without an open text or binary value", nil)
	case KindBegin:
		return d.fail("begin frame inside a value", nil)
	default:
		return d.fail(fmt.Sprintf("unknown frame kind %s", f.Kind), nil)
	}
}

func (d *Decoder) startPayload(f Frame) error {
	if f.Len < 0 || int64(len(f.Data)) > f.Len {
		return d.fail(fmt.Sprintf("%s frame carries %d bytes of declared %d", f.Kind, len(f.Data), f.Len), nil)
	}

	if err := d.checkSlot(); err != nil {
		return err
	}

	p := &pending{kind: f.Kind, header: uint64(d.frames), want: f.Len}
	if f.Len > 0 {
		p.buf = make([]byte, 0, min(f.Len, preallocCap))
		p.buf = append(p.buf, f.Data...)
	}

	if int64(len(p.buf)) == p.want {
		return d.place(p.value())
	}

	d.open = p

	return nil
}

func (d *Decoder) chunk(f Frame) error {
	if f.Kind != KindChunk {
		return d.fail(fmt.Sprintf("expected chunk frame, got %s", f.Kind), nil)
	}

	p := d.open
	if f.Num != p.header {
		return d.fail(fmt.Sprintf("chunk belongs to frame %d, open value started at frame %d", f.Num, p.header), nil)
	}

	if int64(len(p.buf)+len(f.Data)) > p.want {
		return d.fail(fmt.Sprintf("chunk overruns declared length %d", p.want), nil)
	}

	p.buf = append(p.buf, f.Data...)
	if int64(len(p.buf)) < p.want {
		return nil
	}

	d.open = nil

	return d.place(p.value())
}

func (d *Decoder) push(f Frame) error {
	if f.Len < 0 {
		return d.fail(fmt.Sprintf("%s frame with negative length", f.Kind), nil)
	}

	if len(d.stack) >= maxDepth {
		return d.fail("containers nested too deeply", ErrTooDeep)
	}

	if err := d.checkSlot(); err != nil {
		return err
	}

	c := &container{kind: f.Kind, want: f.Len}
	if f.Kind == KindSeqStart {
		c.seq = make([]any, 0, min(f.Len, preallocCap))
	} else {
		c.m = make(map[string]any, min(f.Len, preallocCap))
	}

	d.stack = append(d.stack, c)

	return nil
}

func (d *Decoder) pop(f Frame) error {
	if len(d.stack) == 0 {
		return d.fail(fmt.Sprintf("%s frame without open container", f.Kind), nil)
	}

	top := d.stack[len(d.stack)-1]

	wantEnd := KindSeqEnd
	if top.kind == KindMapStart {
		wantEnd = KindMapEnd
	}

	if f.Kind != wantEnd {
		return d.fail(fmt.Sprintf("%s frame closes a %s container", f.Kind, top.kind), nil)
	}

	if top.hasKey {
		return d.fail(fmt.Sprintf("map closed with dangling key %q", top.key), nil)
	}

	if top.count() != top.want {
		return d.fail(fmt.Sprintf("container declared %d entries, got %d", top.want, top.count()), nil)
	}

	d.stack = d.stack[:len(d.stack)-1]

	if top.kind == KindSeqStart {
		return d.place(top.seq)
	}

	return d.place(top.m)
}

func (d *Decoder) key(f Frame) error {
	if len(d.stack) == 0 || d.stack[len(d.stack)-1].kind != KindMapStart {
		return d.fail("key frame outside a map", nil)
	}

	top := d.stack[len(d.stack)-1]
	if top.hasKey {
		return d.fail(fmt.Sprintf("key frame follows key %q without a value", top.key), nil)
	}

	k := string(f.Data)
	if _, dup := top.m[k]; dup {
		return d.fail(fmt.Sprintf("duplicate map key %q", k), nil)
	}

	if top.count() >= top.want {
		return d.fail(fmt.Sprintf("map declared %d entries, got more", top.want), nil)
	}

	top.key = k
	top.hasKey = true

	return nil
}

// checkSlot verifies a value may be placed at the current cursor.
func (d *Decoder) checkSlot() error {
	if len(d.stack) == 0 {
		if d.filled {
			return d.fail("second root value", nil)
		}

		return nil
	}

	top := d.stack[len(d.stack)-1]

	if top.kind == KindMapStart {
		if !top.hasKey {
			return d.fail("map value without key", nil)
		}

		return nil
	}

	if top.count() >= top.want {
		return d.fail(fmt.Sprintf("sequence declared %d elements, got more", top.want), nil)
	}

	return nil
}

// place inserts a finished value at the cursor and advances it.
func (d *Decoder) place(v any) error {
	if err := d.checkSlot(); err != nil {
		return err
	}

	if len(d.stack) == 0 {
		d.root = v
		d.filled = true

		return nil
	}

	top := d.stack[len(d.stack)-1]
	if top.kind == KindMapStart {
		top.m[top.key] = v
		top.key = ""
		top.hasKey = false

		return nil
	}

	top.seq = append(top.seq, v)

	return nil
}

func (d *Decoder) fail(msg string, cause error) error {
	d.state = stateFailed
	d.err = &ProtocolError{Frame: d.frames, Msg: msg, Err: cause}

	return d.err
}
