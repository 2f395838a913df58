package transfer

import (
	"bytes"
	"fmt"
	"log/slog"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pagesave/internal/frame"
)

func newTestRegistry(t *testing.T) (*Registry, *frame.Codec) {
	t.Helper()

	codec, err := frame.NewCodec(frame.MinFrameSize)
	require.NoError(t, err)

	return NewRegistry(codec, slog.Default()), codec
}

func encode(t *testing.T, codec *frame.Codec, v any) [][]byte {
	t.Helper()

	frames, err := codec.Encode(v)
	require.NoError(t, err)
	require.Greater(t, len(frames), 3, "test values should span several frames")

	return frames
}

// feedAll feeds frames for one channel and returns the completed value.
func feedAll(t *testing.T, r *Registry, channel string, frames [][]byte) any {
	t.Helper()

	for i, raw := range frames {
		res, err := r.Feed(channel, raw)
		require.NoError(t, err)

		if i < len(frames)-1 {
			require.False(t, res.Done)
			continue
		}

		require.True(t, res.Done)

		return res.Value
	}

	return nil
}

func artifact(name string, size int) map[string]any {
	return map[string]any{
		"filename": name,
		"content":  bytes.Repeat([]byte(name), size),
	}
}

func TestFeed_CreatesAndRemovesSession(t *testing.T) {
	r, codec := newTestRegistry(t)
	frames := encode(t, codec, artifact("a.html", 20))

	_, err := r.Feed("tab-1", frames[0])
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"tab-1"}, r.Channels())

	got := feedAll(t, r, "tab-1", frames)

	// feedAll replays the begin frame, which restarts the session cleanly.
	assert.Equal(t, artifact("a.html", 20), got)
	assert.Equal(t, 0, r.Len(), "completed session must be removed")
}

func TestFeed_SequentialTransfersOnSameChannel(t *testing.T) {
	r, codec := newTestRegistry(t)

	first := artifact("first.html", 10)
	second := artifact("second.html", 30)

	assert.Equal(t, first, feedAll(t, r, "tab-1", encode(t, codec, first)))
	assert.Equal(t, second, feedAll(t, r, "tab-1", encode(t, codec, second)))
	assert.Equal(t, 0, r.Len())
}

func TestFeed_InterleavedChannels(t *testing.T) {
	r, codec := newTestRegistry(t)

	a := artifact("a.html", 25)
	b := artifact("b.html", 40)
	framesA := encode(t, codec, a)
	framesB := encode(t, codec, b)

	var gotA, gotB any

	for i := 0; i < len(framesA) || i < len(framesB); i++ {
		if i < len(framesA) {
			res, err := r.Feed("A", framesA[i])
			require.NoError(t, err)

			if res.Done {
				gotA = res.Value
			}
		}

		if i < len(framesB) {
			res, err := r.Feed("B", framesB[i])
			require.NoError(t, err)

			if res.Done {
				gotB = res.Value
			}
		}
	}

	assert.Equal(t, a, gotA)
	assert.Equal(t, b, gotB)
	assert.Equal(t, 0, r.Len())
}

func TestFeed_BeginReplacesStaleSession(t *testing.T) {
	r, codec := newTestRegistry(t)

	stale := encode(t, codec, artifact("stale.html", 30))
	fresh := artifact("fresh.html", 5)

	// Half of the stale transfer, then a brand new one on the same channel.
	for _, raw := range stale[:len(stale)/2] {
		_, err := r.Feed("tab-1", raw)
		require.NoError(t, err)
	}

	assert.Equal(t, fresh, feedAll(t, r, "tab-1", encode(t, codec, fresh)))
	assert.Equal(t, 0, r.Len())
}

func TestFeed_ContinuationWithoutSession(t *testing.T) {
	r, codec := newTestRegistry(t)
	frames := encode(t, codec, artifact("x.html", 10))

	_, err := r.Feed("tab-9", frames[1])
	require.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 0, r.Len())
}

func TestFeed_ProtocolErrorIsolatedToChannel(t *testing.T) {
	r, codec := newTestRegistry(t)

	good := artifact("good.html", 20)
	goodFrames := encode(t, codec, good)
	badFrames := encode(t, codec, artifact("bad.html", 20))

	_, err := r.Feed("good", goodFrames[0])
	require.NoError(t, err)
	_, err = r.Feed("bad", badFrames[0])
	require.NoError(t, err)

	// Skipping frames breaks the bad channel's structure.
	_, err = r.Feed("bad", badFrames[len(badFrames)-1])
	require.Error(t, err)
	assert.True(t, frame.IsProtocolError(err))
	assert.Equal(t, []string{"good"}, r.Channels())

	for _, raw := range goodFrames[1 : len(goodFrames)-1] {
		_, err := r.Feed("good", raw)
		require.NoError(t, err)
	}

	res, err := r.Feed("good", goodFrames[len(goodFrames)-1])
	require.NoError(t, err)
	require.True(t, res.Done)
	assert.Equal(t, good, res.Value)
}

func TestFeed_UndecodableFrameDropsSession(t *testing.T) {
	r, codec := newTestRegistry(t)
	frames := encode(t, codec, artifact("x.html", 10))

	_, err := r.Feed("tab-1", frames[0])
	require.NoError(t, err)

	_, err = r.Feed("tab-1", []byte{0xc1})
	require.Error(t, err)
	assert.True(t, frame.IsProtocolError(err))
	assert.Equal(t, 0, r.Len())
}

func TestDrop(t *testing.T) {
	r, codec := newTestRegistry(t)
	frames := encode(t, codec, artifact("x.html", 10))

	_, err := r.Feed("tab-1", frames[0])
	require.NoError(t, err)

	assert.True(t, r.Drop("tab-1"))
	assert.False(t, r.Drop("tab-1"))
	assert.Equal(t, 0, r.Len())

	_, err = r.Feed("tab-1", frames[1])
	require.ErrorIs(t, err, ErrNoSession)
}

func TestFeed_ConcurrentChannels(t *testing.T) {
	r, codec := newTestRegistry(t)

	const channels = 16

	var wg gosync.WaitGroup

	results := make([]any, channels)

	for i := range channels {
		wg.Add(1)

		go func() {
			defer wg.Done()

			v := artifact(fmt.Sprintf("page-%d.html", i), i+1)

			frames, err := codec.Encode(v)
			if err != nil {
				return
			}

			for _, raw := range frames {
				res, err := r.Feed(fmt.Sprintf("ch-%d", i), raw)
				if err != nil {
					return
				}

				if res.Done {
					results[i] = res.Value
				}
			}
		}()
	}

	wg.Wait()

	for i := range channels {
		assert.Equal(t, artifact(fmt.Sprintf("page-%d.html", i), i+1), results[i], "channel %d", i)
	}

	assert.Equal(t, 0, r.Len())
}
