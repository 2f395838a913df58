package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/tonimelisma/pagesave/internal/frame"
	"github.com/tonimelisma/pagesave/internal/spool"
)

// conn is one producer connection, and so one channel.
type conn struct {
	srv     *Server
	channel string
	ws      *websocket.Conn
	logger  *slog.Logger

	writeMu gosync.Mutex

	promptID atomic.Uint64
	mu       gosync.Mutex
	prompts  map[uint64]chan string
	closed   bool
}

func newConn(srv *Server, channel string, ws *websocket.Conn) *conn {
	return &conn{
		srv:     srv,
		channel: channel,
		ws:      ws,
		logger:  srv.logger.With(slog.String("channel", channel)),
		prompts: make(map[uint64]chan string),
	}
}

// serve reads envelopes until the connection fails or closes.
func (c *conn) serve(ctx context.Context) error {
	defer c.ws.CloseNow()

	for {
		typ, raw, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}

		if typ != websocket.MessageBinary {
			c.logger.Warn("ignoring non-binary message")
			continue
		}

		env, err := unmarshal(raw)
		if err != nil {
			c.logger.Warn("ignoring undecodable message", slog.String("error", err.Error()))
			continue
		}

		c.dispatch(ctx, env)
	}
}

func (c *conn) dispatch(ctx context.Context, env *Envelope) {
	orch := c.srv.opts.Orchestrator

	switch env.Method {
	case MethodDownload:
		c.download(ctx, env)

	case MethodCancelTask:
		c.reply(ctx, env, orch.Tasks().Cancel(env.TaskID), nil)

	case MethodCancelAllTasks:
		c.reply(ctx, env, orch.Tasks().CancelAll(), nil)

	case MethodGetTasksInfo:
		c.reply(ctx, env, orch.Tasks().Info(), nil)

	case MethodEndTask:
		c.reply(ctx, env, orch.Tasks().End(env.TaskID), nil)

	case MethodSaveURLs:
		if c.srv.opts.URLs == nil {
			c.reply(ctx, env, nil, errors.New("url queue unavailable"))
			return
		}

		n, err := c.srv.opts.URLs.QueueURLs(ctx, env.URLs)
		c.reply(ctx, env, n, err)

	case MethodDisableCloudAuth:
		if c.srv.opts.Auth == nil {
			c.reply(ctx, env, true, nil)
			return
		}

		err := c.srv.opts.Auth.Revoke(ctx)
		c.reply(ctx, env, err == nil, err)

	case MethodPromptReply:
		answer, _ := env.Value.(string)
		c.answer(env.ID, answer)

	default:
		c.logger.Debug("ignoring unknown method", slog.String("method", env.Method))
	}
}

// download feeds one frame, or a whole staged stream, and submits the
// completed value.
func (c *conn) download(ctx context.Context, env *Envelope) {
	if env.BlobURL != "" {
		c.downloadBlob(ctx, env)
		return
	}

	res, err := c.srv.opts.Registry.Feed(c.channel, env.Data)
	if err != nil {
		c.logger.Warn("transfer failed", slog.String("error", err.Error()))
		c.fail(ctx, env, err)

		return
	}

	if !res.Done {
		return
	}

	c.submit(ctx, env, res.Value, nil)
}

func (c *conn) downloadBlob(ctx context.Context, env *Envelope) {
	sp := c.srv.opts.Spool
	if sp == nil {
		c.fail(ctx, env, fmt.Errorf("%w: blob staging disabled", spool.ErrNotFound))
		return
	}

	release := sp.Releaser(env.BlobURL)

	r, err := sp.Open(env.BlobURL)
	if err != nil {
		release()
		c.fail(ctx, env, err)

		return
	}

	value, err := c.srv.opts.Codec.ReadStream(r)
	r.Close()

	if err != nil {
		release()
		c.fail(ctx, env, err)

		return
	}

	c.submit(ctx, env, value, release)
}

func (c *conn) submit(ctx context.Context, env *Envelope, value any, release func()) {
	task, err := c.srv.opts.Orchestrator.Handle(ctx, c.channel, value, release)
	if err != nil {
		c.logger.Warn("download rejected", slog.String("error", err.Error()))
		c.fail(ctx, env, err)

		return
	}

	c.logger.Debug("download accepted", slog.String("task", task.ID()))

	if env.ID != 0 {
		c.reply(ctx, env, task.ID(), nil)
	}
}

// fail reports a download that never became a task.
func (c *conn) fail(ctx context.Context, env *Envelope, err error) {
	category := "generic"
	if frame.IsProtocolError(err) {
		category = "protocol"
	}

	c.sendLogged(ctx, &Envelope{
		Method: MethodTaskError,
		ID:     env.ID,
		TaskID: env.TaskID,
		Error:  err.Error(),
		Value:  &TaskEvent{Category: category},
	})
}

func (c *conn) reply(ctx context.Context, req *Envelope, value any, err error) {
	env := &Envelope{Method: MethodReply, ID: req.ID, TaskID: req.TaskID, Value: value}
	if err != nil {
		env.Error = err.Error()
	}

	c.sendLogged(ctx, env)
}

func (c *conn) sendLogged(ctx context.Context, env *Envelope) {
	if err := c.send(ctx, env); err != nil {
		c.logger.Debug("send failed", slog.String("method", env.Method), slog.String("error", err.Error()))
	}
}

// send writes one envelope. Writes are serialized per connection.
func (c *conn) send(ctx context.Context, env *Envelope) error {
	b, err := marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.srv.opts.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.Write(ctx, websocket.MessageBinary, b); err != nil {
		return fmt.Errorf("server: writing %s to %s: %w", env.Method, c.channel, err)
	}

	return nil
}

// prompt asks the producer for a filename and waits for prompt.reply.
func (c *conn) prompt(ctx context.Context, name string) (string, error) {
	id := c.promptID.Add(1)
	ch := make(chan string, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotConnected, c.channel)
	}

	c.prompts[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.prompts, id)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, &Envelope{Method: MethodContentPrompt, ID: id, Value: name}); err != nil {
		return "", err
	}

	select {
	case answer, ok := <-ch:
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotConnected, c.channel)
		}

		return answer, nil
	case <-ctx.Done():
		return "", fmt.Errorf("server: waiting for filename: %w", ctx.Err())
	}
}

func (c *conn) answer(id uint64, answer string) {
	c.mu.Lock()
	ch, ok := c.prompts[id]
	delete(c.prompts, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("reply for unknown prompt", slog.Uint64("id", id))
		return
	}

	ch <- answer
}

// failPrompts unblocks every waiting prompt after the connection closed.
func (c *conn) failPrompts() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	for id, ch := range c.prompts {
		close(ch)
		delete(c.prompts, id)
	}
}
