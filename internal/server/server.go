package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	gosync "sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tonimelisma/pagesave/internal/delivery"
	"github.com/tonimelisma/pagesave/internal/frame"
	"github.com/tonimelisma/pagesave/internal/spool"
	"github.com/tonimelisma/pagesave/internal/transfer"
)

// Timeouts used when Options leaves them zero.
const (
	defaultWriteTimeout  = 10 * time.Second
	defaultPromptTimeout = 2 * time.Minute
	shutdownTimeout      = 5 * time.Second
)

var (
	// ErrNotConnected is returned when a channel has no open connection.
	ErrNotConnected = errors.New("server: channel not connected")
	// ErrChannelInUse rejects a second connection claiming a live channel id.
	ErrChannelInUse = errors.New("server: channel already connected")
)

// URLQueue stores URLs the producer asked to save later.
type URLQueue interface {
	QueueURLs(ctx context.Context, urls []string) (int, error)
}

// CloudAuth is the cloud session the producer may revoke.
type CloudAuth interface {
	Revoke(ctx context.Context) error
}

// Options wires a Server. Registry, Orchestrator and Codec are required.
type Options struct {
	Registry     *transfer.Registry
	Orchestrator *delivery.Orchestrator
	Codec        *frame.Codec
	Spool        *spool.Spool
	URLs         URLQueue
	Auth         CloudAuth

	// ReadLimit bounds a single websocket message. Defaults to twice the
	// codec frame size to leave room for the envelope.
	ReadLimit     int64
	WriteTimeout  time.Duration
	PromptTimeout time.Duration
	Logger        *slog.Logger
}

// Server accepts producer connections. It also serves as the orchestrator's
// foreground transport, prompter and channel notifier.
type Server struct {
	opts   Options
	logger *slog.Logger

	mu    gosync.Mutex
	conns map[string]*conn
}

var (
	_ delivery.Foreground = (*Server)(nil)
	_ delivery.Prompter   = (*Server)(nil)
	_ delivery.Notifier   = (*Server)(nil)
)

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil || opts.Codec == nil {
		return nil, errors.New("server: registry and codec are required")
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.ReadLimit <= 0 {
		opts.ReadLimit = int64(2 * opts.Codec.MaxFrameSize())
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = defaultPromptTimeout
	}

	return &Server{opts: opts, logger: opts.Logger, conns: make(map[string]*conn)}, nil
}

// SetOrchestrator attaches the orchestrator. The server and orchestrator
// refer to each other, so one of them is wired after construction.
func (s *Server) SetOrchestrator(o *delivery.Orchestrator) {
	s.opts.Orchestrator = o
}

// Handler returns the HTTP routes: the websocket at /ws, blob staging at
// /blob and a JSON task listing at /tasks.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /blob", s.handleBlob)
	mux.HandleFunc("GET /tasks", s.handleTasks)

	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	s.closeAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = uuid.NewString()
	}

	if s.lookup(channel) != nil {
		http.Error(w, ErrChannelInUse.Error(), http.StatusConflict)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Producers are browser extensions whose origin varies per install.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	ws.SetReadLimit(s.opts.ReadLimit)

	c := newConn(s, channel, ws)
	if !s.register(c) {
		ws.Close(websocket.StatusPolicyViolation, ErrChannelInUse.Error())
		return
	}

	s.logger.Info("producer connected", slog.String("channel", channel), slog.String("remote", r.RemoteAddr))

	err = c.serve(r.Context())
	s.disconnect(c)

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.logger.Info("producer disconnected", slog.String("channel", channel))
	default:
		s.logger.Info("producer connection lost", slog.String("channel", channel), slog.String("error", errString(err)))
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if s.opts.Spool == nil {
		http.Error(w, "blob staging disabled", http.StatusNotFound)
		return
	}

	url, err := s.opts.Spool.Create(r.Body)
	if errors.Is(err, spool.ErrTooLarge) {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	if err != nil {
		s.logger.Error("staging blob failed", slog.String("error", err.Error()))
		http.Error(w, "staging failed", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"blob_url": url}) //nolint:errcheck // client gone
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	var infos []delivery.TaskInfo
	if s.opts.Orchestrator != nil {
		infos = s.opts.Orchestrator.Tasks().Info()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infos) //nolint:errcheck // client gone
}

func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[c.channel]; ok {
		return false
	}

	s.conns[c.channel] = c

	return true
}

func (s *Server) lookup(channel string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conns[channel]
}

// disconnect tears a channel down: its partial transfer is dropped and its
// tasks are cancelled.
func (s *Server) disconnect(c *conn) {
	s.mu.Lock()
	if s.conns[c.channel] == c {
		delete(s.conns, c.channel)
	}
	s.mu.Unlock()

	c.failPrompts()
	s.opts.Registry.Drop(c.channel)

	if s.opts.Orchestrator != nil {
		if n := s.opts.Orchestrator.Tasks().CancelChannel(c.channel); n > 0 {
			s.logger.Info("cancelled tasks of closed channel",
				slog.String("channel", c.channel),
				slog.Int("count", n),
			)
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Channels returns the number of connected producers.
func (s *Server) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// SendDownload implements delivery.Foreground. The frames are followed by an
// empty content.download that marks the end of the transfer.
func (s *Server) SendDownload(ctx context.Context, channel string, frames [][]byte) error {
	c := s.lookup(channel)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, channel)
	}

	for _, f := range frames {
		if err := c.send(ctx, &Envelope{Method: MethodContentDownload, Data: f}); err != nil {
			return err
		}
	}

	return c.send(ctx, &Envelope{Method: MethodContentDownload})
}

// Prompt implements delivery.Prompter.
func (s *Server) Prompt(ctx context.Context, channel, name string) (string, error) {
	c := s.lookup(channel)
	if c == nil {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, channel)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.PromptTimeout)
	defer cancel()

	return c.prompt(ctx, name)
}

// Notify implements delivery.Notifier by forwarding events to the channel
// that submitted the task. Events for closed channels are dropped.
func (s *Server) Notify(ctx context.Context, ev *delivery.Event) {
	c := s.lookup(ev.Channel)
	if c == nil {
		return
	}

	env := &Envelope{
		TaskID: ev.TaskID,
		Error:  ev.Error,
		Value: &TaskEvent{
			Sink:     ev.Sink,
			Filename: ev.Filename,
			Locator:  ev.Locator,
			Skipped:  ev.Skipped,
			Category: ev.Category,
			Sent:     ev.Sent,
			Total:    ev.Total,
		},
	}

	switch ev.Kind {
	case delivery.EventEnd:
		env.Method = MethodTaskEnd
	case delivery.EventError:
		env.Method = MethodTaskError
	case delivery.EventProgress:
		env.Method = MethodTaskProgress
	default:
		return
	}

	if err := c.send(ctx, env); err != nil {
		s.logger.Debug("event not delivered to producer",
			slog.String("channel", ev.Channel),
			slog.String("error", err.Error()),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
