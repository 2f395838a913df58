package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func TestRedisNotifier_Publishes(t *testing.T) {
	_, client := newTestRedis(t)

	sub := client.Subscribe(t.Context(), "pagesave:events")
	t.Cleanup(func() { sub.Close() })

	_, err := sub.Receive(t.Context())
	require.NoError(t, err)

	n := NewRedisNotifier(client, "pagesave:events", nil)
	n.Notify(t.Context(), &Event{Kind: EventProgress, TaskID: "t1"})
	n.Notify(t.Context(), &Event{Kind: EventEnd, TaskID: "t1", Sink: "WebDAV", Locator: "https://dav/x"})

	msg, err := sub.ReceiveMessage(t.Context())
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, EventEnd, got.Kind, "progress events are not published")
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, "https://dav/x", got.Locator)
}

func TestRedisNotifier_GivesUp(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	n := NewRedisNotifier(client, "events", nil)
	n.retries = 1
	n.timeout = 200 * time.Millisecond

	err := n.Publish(t.Context(), &Event{Kind: EventError, TaskID: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestRedisNotifier_CancelledContext(t *testing.T) {
	_, client := newTestRedis(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := NewRedisNotifier(client, "events", nil).Publish(ctx, &Event{Kind: EventEnd})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMultiNotifier(t *testing.T) {
	var a, b []EventKind

	m := MultiNotifier{
		NotifierFunc(func(_ context.Context, ev *Event) { a = append(a, ev.Kind) }),
		nil,
		NotifierFunc(func(_ context.Context, ev *Event) { b = append(b, ev.Kind) }),
		LogNotifier{},
	}

	m.Notify(t.Context(), &Event{Kind: EventEnd})
	m.Notify(t.Context(), &Event{Kind: EventError})

	assert.Equal(t, []EventKind{EventEnd, EventError}, a)
	assert.Equal(t, a, b)
}
