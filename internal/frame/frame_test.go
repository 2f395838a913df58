package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCodec returns a codec with the smallest legal frame bound so that
// even short payloads are split across several frames.
func newTestCodec(t *testing.T) *Codec {
	t.Helper()

	c, err := NewCodec(MinFrameSize)
	require.NoError(t, err)

	return c
}

// roundTrip encodes v and feeds the frames one at a time into a new decoder.
func roundTrip(t *testing.T, c *Codec, v any) any {
	t.Helper()

	frames, err := c.Encode(v)
	require.NoError(t, err)

	d := c.NewDecoder()

	for i, raw := range frames {
		assert.LessOrEqual(t, len(raw), c.MaxFrameSize(), "frame %d exceeds bound", i)

		done, got, feedErr := d.Feed(raw)
		require.NoError(t, feedErr, "frame %d", i)

		if i < len(frames)-1 {
			require.False(t, done, "decoder finished early at frame %d", i)
			continue
		}

		require.True(t, done)

		return got
	}

	t.Fatal("no frames produced")

	return nil
}

func TestNewCodec_RejectsTinyBound(t *testing.T) {
	_, err := NewCodec(MinFrameSize - 1)
	require.ErrorIs(t, err, ErrInvalidFrameSize)
}

func TestRoundTrip_Scalars(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"true", true, true},
		{"false", false, false},
		{"int", 42, int64(42)},
		{"negative int64", int64(-9007199254740993), int64(-9007199254740993)},
		{"int8", int8(-3), int64(-3)},
		{"uint8", uint8(200), uint64(200)},
		{"uint64 max", uint64(1<<64 - 1), uint64(1<<64 - 1)},
		{"float", 3.25, 3.25},
		{"float32", float32(0.5), 0.5},
		{"empty string", "", ""},
		{"string", "hello, world", "hello, world"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, roundTrip(t, c, tt.in))
		})
	}
}

func TestRoundTrip_BinarySizes(t *testing.T) {
	c := newTestCodec(t)
	budget := c.payloadBudget()

	for _, size := range []int{0, 1, budget - 1, budget, budget + 1, 3 * budget, 7*budget + 5} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			blob := bytes.Repeat([]byte{0xA5}, size)
			for i := range blob {
				blob[i] = byte(i)
			}

			got := roundTrip(t, c, blob)

			require.IsType(t, []byte{}, got)
			assert.Equal(t, blob, got)
			assert.NotNil(t, got, "empty buffers must round-trip as empty, not nil")
		})
	}
}

func TestRoundTrip_EmptyContainers(t *testing.T) {
	c := newTestCodec(t)

	got := roundTrip(t, c, map[string]any{
		"seq":  []any{},
		"map":  map[string]any{},
		"blob": []byte{},
	})

	m, ok := got.(map[string]any)
	require.True(t, ok)

	seq, ok := m["seq"].([]any)
	require.True(t, ok)
	assert.NotNil(t, seq)
	assert.Empty(t, seq)

	inner, ok := m["map"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, inner)
	assert.Empty(t, inner)

	blob, ok := m["blob"].([]byte)
	require.True(t, ok)
	assert.NotNil(t, blob)
	assert.Empty(t, blob)
}

func TestRoundTrip_NestedArtifact(t *testing.T) {
	c := newTestCodec(t)

	page := strings.Repeat("<p>captured</p>", 40)
	in := map[string]any{
		"taskId":   "task-1",
		"filename": "report.html",
		"pageData": map[string]any{
			"content": page,
			"resources": []any{
				map[string]any{"name": "a.png", "data": bytes.Repeat([]byte{1, 2, 3}, 50)},
				map[string]any{"name": "empty.bin", "data": []byte{}},
			},
			"stats": map[string]any{"frames": int64(2), "ratio": 0.75},
		},
		"flags": []any{true, false, nil},
	}

	assert.Equal(t, in, roundTrip(t, c, in))
}

func TestEncode_TypedCollections(t *testing.T) {
	c := newTestCodec(t)

	got := roundTrip(t, c, map[string]any{
		"urls":    []string{"https://a.example", "https://b.example"},
		"headers": map[string]string{"k": "v"},
	})

	assert.Equal(t, map[string]any{
		"urls":    []any{"https://a.example", "https://b.example"},
		"headers": map[string]any{"k": "v"},
	}, got)
}

func TestEncode_UnsupportedType(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Encode(map[string]any{"ch": make(chan int)})
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = c.Encode(map[int]string{1: "x"})
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestEncode_KeyTooLarge(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Encode(map[string]any{strings.Repeat("k", MinFrameSize): 1})
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncode_TooDeep(t *testing.T) {
	c := newTestCodec(t)

	var v any = "leaf"
	for range maxDepth + 2 {
		v = []any{v}
	}

	_, err := c.Encode(v)
	require.ErrorIs(t, err, ErrTooDeep)
}

func TestEncode_DeterministicKeyOrder(t *testing.T) {
	c := newTestCodec(t)
	v := map[string]any{"b": 1, "a": 2, "c": 3}

	first, err := c.Encode(v)
	require.NoError(t, err)

	for range 10 {
		again, err := c.Encode(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEncode_LargeFrameBound(t *testing.T) {
	c, err := NewCodec(64 * 1024)
	require.NoError(t, err)

	blob := bytes.Repeat([]byte("x"), 200*1024)

	frames, err := c.Encode(blob)
	require.NoError(t, err)

	// begin + binary header + 3 chunks + end
	assert.Len(t, frames, 6)
	assert.Equal(t, blob, roundTrip(t, c, blob))
}

func TestFrameLayout_Golden(t *testing.T) {
	c := newTestCodec(t)

	frames, err := c.Frames(map[string]any{
		"name": "a#b.html",
		"size": int64(3),
		"flag": true,
		"data": []byte("0123456789abcdefghijklmnopqrst"),
		"tags": []any{"x", nil},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	for _, f := range frames {
		fmt.Fprintf(&buf, "%s len=%d num=%d data=%q\n", f.Kind, f.Len, f.Num, f.Data)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "frame_layout", buf.Bytes())
}

func TestDecoder_RequiresBegin(t *testing.T) {
	d := newTestCodec(t).NewDecoder()

	_, _, err := d.FeedFrame(Frame{Kind: KindNil})

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Frame)
	assert.Contains(t, pe.Msg, "expected begin")
}

func TestDecoder_RejectsUnknownVersion(t *testing.T) {
	d := newTestCodec(t).NewDecoder()

	_, _, err := d.FeedFrame(Frame{Kind: KindBegin, Num: ProtocolVersion + 1})
	assert.True(t, IsProtocolError(err))
}

func TestDecoder_MalformedSequences(t *testing.T) {
	begin := Frame{Kind: KindBegin, Num: ProtocolVersion}

	tests := []struct {
		name   string
		frames []Frame
		msg    string
	}{
		{
			name:   "end before value",
			frames: []Frame{begin, {Kind: KindEnd}},
			msg:    "end frame before value",
		},
		{
			name:   "end inside container",
			frames: []Frame{begin, {Kind: KindSeqStart, Len: 1}, {Kind: KindEnd}},
			msg:    "end frame before value",
		},
		{
			name:   "chunk without header",
			frames: []Frame{begin, {Kind: KindChunk, Data: []byte("x")}},
			msg:    "chunk frame without",
		},
		{
			name:   "chunk overrun",
			frames: []Frame{begin, {Kind: KindBinary, Len: 2, Data: []byte("a")}, {Kind: KindChunk, Num: 2, Data: []byte("bc")}},
			msg:    "overruns",
		},
		{
			name:   "chunk tagged for another value",
			frames: []Frame{begin, {Kind: KindBinary, Len: 2, Data: []byte("a")}, {Kind: KindChunk, Num: 5, Data: []byte("b")}},
			msg:    "chunk belongs to frame 5",
		},
		{
			name:   "header not followed by chunk",
			frames: []Frame{begin, {Kind: KindText, Len: 5, Data: []byte("ab")}, {Kind: KindNil}},
			msg:    "expected chunk",
		},
		{
			name:   "map value without key",
			frames: []Frame{begin, {Kind: KindMapStart, Len: 1}, {Kind: KindNil}},
			msg:    "without key",
		},
		{
			name:   "duplicate key",
			frames: []Frame{begin, {Kind: KindMapStart, Len: 2}, {Kind: KindKey, Data: []byte("a")}, {Kind: KindNil}, {Kind: KindKey, Data: []byte("a")}},
			msg:    "duplicate",
		},
		{
			name:   "sequence overflow",
			frames: []Frame{begin, {Kind: KindSeqStart, Len: 1}, {Kind: KindNil}, {Kind: KindNil}},
			msg:    "declared 1 elements",
		},
		{
			name:   "short container",
			frames: []Frame{begin, {Kind: KindSeqStart, Len: 2}, {Kind: KindNil}, {Kind: KindSeqEnd}},
			msg:    "declared 2 entries, got 1",
		},
		{
			name:   "mismatched close",
			frames: []Frame{begin, {Kind: KindSeqStart}, {Kind: KindMapEnd}},
			msg:    "closes a",
		},
		{
			name:   "second root",
			frames: []Frame{begin, {Kind: KindNil}, {Kind: KindNil}},
			msg:    "second root",
		},
		{
			name:   "nested begin",
			frames: []Frame{begin, {Kind: KindSeqStart, Len: 1}, begin},
			msg:    "begin frame inside",
		},
		{
			name:   "unknown kind",
			frames: []Frame{begin, {Kind: Kind(99)}},
			msg:    "unknown frame kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestCodec(t).NewDecoder()

			var err error
			for _, f := range tt.frames {
				if _, _, err = d.FeedFrame(f); err != nil {
					break
				}
			}

			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Contains(t, pe.Msg, tt.msg)

			// Failure is sticky.
			_, _, again := d.FeedFrame(Frame{Kind: KindEnd})
			assert.Equal(t, err, again)
		})
	}
}

func TestDecoder_FrameAfterEnd(t *testing.T) {
	c := newTestCodec(t)
	frames, err := c.Encode("x")
	require.NoError(t, err)

	d := c.NewDecoder()
	for _, raw := range frames {
		_, _, err := d.Feed(raw)
		require.NoError(t, err)
	}

	assert.True(t, d.Done())

	_, _, err = d.Feed(frames[0])
	assert.True(t, IsProtocolError(err))
}

func TestDecoder_GarbageBytes(t *testing.T) {
	d := newTestCodec(t).NewDecoder()

	_, _, err := d.Feed([]byte{0xc1})
	assert.True(t, IsProtocolError(err))
}

func TestStream_RoundTrip(t *testing.T) {
	c := newTestCodec(t)
	in := map[string]any{"content": bytes.Repeat([]byte("z"), 500), "filename": "x.html"}

	frames, err := c.Encode(in)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteStream(&buf, frames))

	got, err := c.ReadStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestStream_Truncated(t *testing.T) {
	c := newTestCodec(t)

	frames, err := c.Encode([]byte("abc"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteStream(&buf, frames[:len(frames)-1]))

	_, err = c.ReadStream(&buf)
	assert.True(t, IsProtocolError(err))
	assert.Contains(t, err.Error(), "stream ended")
}

func TestStream_OversizedFrame(t *testing.T) {
	c := newTestCodec(t)

	var buf bytes.Buffer
	require.NoError(t, WriteStream(&buf, [][]byte{make([]byte, MinFrameSize+1)}))

	_, err := c.ReadStream(&buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}
