package server

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pagesave/internal/conflict"
	"github.com/tonimelisma/pagesave/internal/delivery"
	"github.com/tonimelisma/pagesave/internal/frame"
	"github.com/tonimelisma/pagesave/internal/localfs"
	"github.com/tonimelisma/pagesave/internal/sink"
	"github.com/tonimelisma/pagesave/internal/spool"
	"github.com/tonimelisma/pagesave/internal/transfer"
)

type urlQueue struct {
	mu   gosync.Mutex
	urls []string
}

func (q *urlQueue) QueueURLs(_ context.Context, urls []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.urls = append(q.urls, urls...)

	return len(urls), nil
}

// blockingSink holds every upload until it is aborted.
type blockingSink struct {
	aborter sink.Aborter
	started chan struct{}
	once    gosync.Once
	aborted chan struct{}
	abortMu gosync.Once
}

func (b *blockingSink) Name() string { return "blocking" }

func (b *blockingSink) Upload(ctx context.Context, _ string, _ []byte, _ sink.UploadOptions) (*sink.Result, error) {
	ctx, release := b.aborter.Begin(ctx)
	defer release()

	b.once.Do(func() { close(b.started) })
	<-ctx.Done()

	return nil, sink.Check(ctx, ctx.Err())
}

func (b *blockingSink) Abort() {
	b.abortMu.Do(func() { close(b.aborted) })
	b.aborter.Abort()
}

type testEnv struct {
	srv   *Server
	orch  *delivery.Orchestrator
	http  *httptest.Server
	codec *frame.Codec
	dir   string
	urls  *urlQueue
}

func newTestEnv(t *testing.T, sinks delivery.SinkFactory) *testEnv {
	t.Helper()

	codec, err := frame.NewCodec(256)
	require.NoError(t, err)

	dir := t.TempDir()

	if sinks == nil {
		sinks = delivery.SinkFactoryFunc(func(context.Context, delivery.SinkKind, *delivery.Request) (sink.Sink, error) {
			return localfs.New(localfs.Options{Dir: dir})
		})
	}

	sp, err := spool.New(t.TempDir(), 1<<20, nil)
	require.NoError(t, err)

	urls := &urlQueue{}

	srv, err := New(Options{
		Registry:      transfer.NewRegistry(codec, nil),
		Codec:         codec,
		Spool:         sp,
		URLs:          urls,
		PromptTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	orch, err := delivery.New(delivery.Options{
		Sinks: sinks,
		Policy: conflict.NewPolicy(conflict.ExistingFunc(func(_ context.Context, name string) (bool, error) {
			_, err := os.Stat(filepath.Join(dir, name))
			return err == nil, nil
		}), nil),
		Notifier:   srv,
		Foreground: srv,
		Prompter:   srv,
		Codec:      codec,
	})
	require.NoError(t, err)
	srv.SetOrchestrator(orch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = orch.Run(ctx)
	}()

	hs := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		hs.Close()
		cancel()
		<-done
	})

	return &testEnv{srv: srv, orch: orch, http: hs, codec: codec, dir: dir, urls: urls}
}

func (e *testEnv) dial(t *testing.T, opts ClientOptions) *Client {
	t.Helper()

	c, err := Dial(t.Context(), e.http.URL, e.codec, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func page(name, taskID string, extra map[string]any) map[string]any {
	m := map[string]any{
		"filename":       name,
		"taskId":         taskID,
		"content":        []byte("<html><body>" + name + " body long enough to need several frames</body></html>"),
		"backgroundSave": true,
	}

	for k, v := range extra {
		m[k] = v
	}

	return m
}

func TestDownload_Background(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, ClientOptions{})

	wait := c.Watch("t1")
	require.NoError(t, c.Download(t.Context(), "t1", page("page.html", "t1", nil)))

	out, err := wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "local", out.Sink)
	assert.Equal(t, localfs.Locator(filepath.Join(env.dir, "page.html")), out.Locator)

	data, err := os.ReadFile(filepath.Join(env.dir, "page.html"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "page.html body")
}

func TestDownload_Blob(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, ClientOptions{})

	wait := c.Watch("t2")
	require.NoError(t, c.DownloadBlob(t.Context(), "t2", page("blob.html", "t2", nil)))

	_, err := wait(t.Context())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(env.dir, "blob.html"))
	assert.Equal(t, 0, env.srv.opts.Spool.Len(), "staged blob is released after delivery")
}

func TestDownload_Foreground(t *testing.T) {
	env := newTestEnv(t, nil)

	got := make(chan any, 1)
	c := env.dial(t, ClientOptions{Foreground: func(v any) { got <- v }})

	wait := c.Watch("fg")
	require.NoError(t, c.Download(t.Context(), "fg", map[string]any{
		"filename": "fg.html",
		"taskId":   "fg",
		"content":  []byte("handed back"),
	}))

	out, err := wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "foreground", out.Sink)

	select {
	case v := <-got:
		assert.Equal(t, map[string]any{
			"filename": "fg.html",
			"taskId":   "fg",
			"content":  []byte("handed back"),
		}, v)
	case <-time.After(5 * time.Second):
		t.Fatal("no foreground value")
	}
}

func TestDownload_PromptRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "taken.html"), []byte("old"), 0o600))

	var asked []string

	c := env.dial(t, ClientOptions{Prompt: func(name string) string {
		asked = append(asked, name)
		return "renamed.html"
	}})

	wait := c.Watch("p1")
	require.NoError(t, c.Download(t.Context(), "p1",
		page("taken.html", "p1", map[string]any{"filenameConflictAction": "prompt"})))

	_, err := wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"taken.html"}, asked)
	assert.FileExists(t, filepath.Join(env.dir, "renamed.html"))
}

func TestDownload_ProtocolError(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, ClientOptions{})

	frames, err := env.codec.Encode(page("x.html", "bad", nil))
	require.NoError(t, err)
	require.Greater(t, len(frames), 2)

	wait := c.Watch("bad")
	require.NoError(t, c.send(t.Context(), &Envelope{Method: MethodDownload, TaskID: "bad", Data: frames[1]}))

	out, err := wait(t.Context())
	require.ErrorIs(t, err, ErrTaskFailed)
	assert.Equal(t, "generic", out.Category, "continuation without a session")
}

func TestMethods(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, ClientOptions{})

	// Unknown methods get no reply; the next call still works.
	require.NoError(t, c.send(t.Context(), &Envelope{Method: "bogus", ID: 999}))

	reply, err := c.Call(t.Context(), &Envelope{Method: MethodGetTasksInfo})
	require.NoError(t, err)
	assert.Empty(t, reply.Value)

	reply, err = c.Call(t.Context(), &Envelope{Method: MethodCancelTask, TaskID: "nope"})
	require.NoError(t, err)
	assert.Equal(t, false, reply.Value)

	_, err = c.Call(t.Context(), &Envelope{Method: MethodCancelAllTasks})
	require.NoError(t, err)

	reply, err = c.Call(t.Context(), &Envelope{Method: MethodSaveURLs, URLs: []string{"https://a", "https://b"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, reply.Value)
	assert.Equal(t, []string{"https://a", "https://b"}, env.urls.urls)

	reply, err = c.Call(t.Context(), &Envelope{Method: MethodDisableCloudAuth})
	require.NoError(t, err)
	assert.Equal(t, true, reply.Value)
}

func TestClose_CancelsChannelTasks(t *testing.T) {
	bs := &blockingSink{started: make(chan struct{}), aborted: make(chan struct{})}
	env := newTestEnv(t, delivery.SinkFactoryFunc(
		func(context.Context, delivery.SinkKind, *delivery.Request) (sink.Sink, error) { return bs, nil }))

	c, err := Dial(t.Context(), env.http.URL, env.codec, ClientOptions{Channel: "tab-7"})
	require.NoError(t, err)

	require.NoError(t, c.Download(t.Context(), "slow", page("slow.html", "slow", nil)))

	select {
	case <-bs.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	require.Equal(t, 1, env.orch.Tasks().Len())
	require.NoError(t, c.Close())

	select {
	case <-bs.aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("sink was not aborted")
	}

	assert.Eventually(t, func() bool { return env.orch.Tasks().Len() == 0 && env.srv.Channels() == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestDial_ChannelInUse(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dial(t, ClientOptions{Channel: "dup"})

	_, err := Dial(t.Context(), env.http.URL, env.codec, ClientOptions{Channel: "dup"})
	require.Error(t, err)
}
