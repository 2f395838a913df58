package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	gosync "sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/tonimelisma/pagesave/internal/frame"
)

// ErrTaskFailed wraps the error text of a task.error event.
var ErrTaskFailed = errors.New("server: task failed")

// Outcome is the terminal event of a task.
type Outcome struct {
	TaskID   string `json:"task_id"`
	Sink     string `json:"sink"`
	Locator  string `json:"locator,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Category string `json:"category,omitempty"`
}

// ClientOptions configures Dial.
type ClientOptions struct {
	// Channel names the connection; empty lets the server pick one.
	Channel string
	// Prompt answers filename prompts. Nil accepts the offered name.
	Prompt func(name string) string
	// Foreground receives values handed back by foreground deliveries.
	Foreground func(value any)
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type taskWait struct {
	outcome *Outcome
	err     error
}

// Client is a producer connection, used by the push command and tests.
type Client struct {
	ws      *websocket.Conn
	base    *url.URL
	codec   *frame.Codec
	opts    ClientOptions
	logger  *slog.Logger
	writeMu gosync.Mutex
	nextID  atomic.Uint64

	mu      gosync.Mutex
	replies map[uint64]chan *Envelope
	tasks   map[string]chan taskWait
	done    chan struct{}
	readErr error
}

// Dial connects to the server at base (http or https) and starts reading.
func Dial(ctx context.Context, base string, codec *frame.Codec, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("server: parsing %q: %w", base, err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	wsURL := *u
	wsURL.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	wsURL.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	if opts.Channel != "" {
		wsURL.RawQuery = url.Values{"channel": {opts.Channel}}.Encode()
	}

	ws, _, err := websocket.Dial(ctx, wsURL.String(), &websocket.DialOptions{HTTPClient: opts.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("server: dialing %s: %w", wsURL.String(), err)
	}

	ws.SetReadLimit(int64(2 * codec.MaxFrameSize()))

	c := &Client{
		ws:      ws,
		base:    u,
		codec:   codec,
		opts:    opts,
		logger:  opts.Logger,
		replies: make(map[uint64]chan *Envelope),
		tasks:   make(map[string]chan taskWait),
		done:    make(chan struct{}),
	}

	go c.read(context.WithoutCancel(ctx))

	return c, nil
}

// Close closes the connection. The server cancels the channel's tasks.
func (c *Client) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	<-c.done

	return err
}

// Download encodes value and sends it as download frames under taskID. Call
// Watch first to observe the outcome.
func (c *Client) Download(ctx context.Context, taskID string, value any) error {
	frames, err := c.codec.Encode(value)
	if err != nil {
		return err
	}

	for _, f := range frames {
		if err := c.send(ctx, &Envelope{Method: MethodDownload, TaskID: taskID, Data: f}); err != nil {
			return err
		}
	}

	return nil
}

// DownloadBlob stages value as a single stream through /blob and sends one
// download referencing it.
func (c *Client) DownloadBlob(ctx context.Context, taskID string, value any) error {
	frames, err := c.codec.Encode(value)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if err := frame.WriteStream(&body, frames); err != nil {
		return err
	}

	blobURL := *c.base
	blobURL.Path = strings.TrimSuffix(c.base.Path, "/") + "/blob"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, blobURL.String(), &body)
	if err != nil {
		return fmt.Errorf("server: creating blob request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("server: staging blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("server: staging blob: HTTP %d", resp.StatusCode)
	}

	var staged struct {
		BlobURL string `json:"blob_url"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&staged); err != nil {
		return fmt.Errorf("server: decoding blob response: %w", err)
	}

	return c.send(ctx, &Envelope{Method: MethodDownload, TaskID: taskID, BlobURL: staged.BlobURL})
}

// Watch registers interest in taskID's terminal event. The returned func
// blocks until it arrives, ctx ends or the connection drops.
func (c *Client) Watch(taskID string) func(ctx context.Context) (*Outcome, error) {
	ch := make(chan taskWait, 1)

	c.mu.Lock()
	c.tasks[taskID] = ch
	c.mu.Unlock()

	return func(ctx context.Context) (*Outcome, error) {
		select {
		case w := <-ch:
			return w.outcome, w.err
		case <-c.done:
			return nil, fmt.Errorf("server: connection closed: %w", c.readErr)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Call sends a request and waits for the reply with the same id.
func (c *Client) Call(ctx context.Context, env *Envelope) (*Envelope, error) {
	env.ID = c.nextID.Add(1)
	ch := make(chan *Envelope, 1)

	c.mu.Lock()
	c.replies[env.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.replies, env.ID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, env); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return reply, fmt.Errorf("server: %s: %s", env.Method, reply.Error)
		}

		return reply, nil
	case <-c.done:
		return nil, fmt.Errorf("server: connection closed: %w", c.readErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, env *Envelope) error {
	b, err := marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.Write(ctx, websocket.MessageBinary, b); err != nil {
		return fmt.Errorf("server: sending %s: %w", env.Method, err)
	}

	return nil
}

func (c *Client) read(ctx context.Context) {
	defer close(c.done)

	decoder := c.codec.NewDecoder()

	for {
		_, raw, err := c.ws.Read(ctx)
		if err != nil {
			c.readErr = err
			return
		}

		env, err := unmarshal(raw)
		if err != nil {
			c.logger.Warn("ignoring undecodable message", slog.String("error", err.Error()))
			continue
		}

		switch env.Method {
		case MethodReply:
			c.deliverReply(env)
		case MethodTaskEnd, MethodTaskError:
			c.deliverOutcome(env)
		case MethodTaskProgress:
			c.logger.Debug("progress", slog.String("task", env.TaskID))
		case MethodContentPrompt:
			c.answerPrompt(ctx, env)
		case MethodContentDownload:
			decoder = c.foreground(decoder, env)
		}
	}
}

func (c *Client) deliverReply(env *Envelope) {
	c.mu.Lock()
	ch, ok := c.replies[env.ID]
	c.mu.Unlock()

	if ok {
		ch <- env
	}
}

func (c *Client) deliverOutcome(env *Envelope) {
	c.mu.Lock()
	ch, ok := c.tasks[env.TaskID]
	delete(c.tasks, env.TaskID)
	c.mu.Unlock()

	if !ok {
		return
	}

	out := &Outcome{TaskID: env.TaskID}
	if m, ok := env.Value.(map[string]any); ok {
		out.Sink, _ = m["sink"].(string)
		out.Locator, _ = m["locator"].(string)
		out.Skipped, _ = m["skipped"].(bool)
		out.Category, _ = m["category"].(string)
	}

	var err error
	if env.Method == MethodTaskError {
		err = fmt.Errorf("%w: %s", ErrTaskFailed, env.Error)
	}

	ch <- taskWait{outcome: out, err: err}
}

func (c *Client) answerPrompt(ctx context.Context, env *Envelope) {
	name, _ := env.Value.(string)
	if c.opts.Prompt != nil {
		name = c.opts.Prompt(name)
	}

	// Answered off the read loop so a slow write cannot stall reads.
	go func() {
		if err := c.send(ctx, &Envelope{Method: MethodPromptReply, ID: env.ID, Value: name}); err != nil {
			c.logger.Warn("answering prompt failed", slog.String("error", err.Error()))
		}
	}()
}

// foreground feeds handed-back frames; an empty frame ends the transfer.
func (c *Client) foreground(d *frame.Decoder, env *Envelope) *frame.Decoder {
	if len(env.Data) == 0 {
		return c.codec.NewDecoder()
	}

	done, value, err := d.Feed(env.Data)
	if err != nil {
		c.logger.Warn("foreground transfer failed", slog.String("error", err.Error()))
		return c.codec.NewDecoder()
	}

	if done && c.opts.Foreground != nil {
		c.opts.Foreground(value)
	}

	return d
}
