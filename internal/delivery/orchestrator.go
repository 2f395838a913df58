// Package delivery routes reconstructed pages to exactly one sink. It owns
// the task table, the bounded delivery worker pool and outcome reporting.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/pagesave/internal/conflict"
	"github.com/tonimelisma/pagesave/internal/frame"
	"github.com/tonimelisma/pagesave/internal/ledger"
	"github.com/tonimelisma/pagesave/internal/localfs"
	"github.com/tonimelisma/pagesave/internal/sink"
)

// Pool defaults.
const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

var (
	// ErrBusy is returned when the delivery queue is full.
	ErrBusy = errors.New("delivery: too many pending deliveries")
	// ErrClosed is returned by Submit after Run has returned.
	ErrClosed = errors.New("delivery: orchestrator stopped")
	// ErrNoForeground is returned when a page must be handed back to a
	// producer but no channel transport is wired.
	ErrNoForeground = errors.New("delivery: no foreground channel")
)

// SinkFactory builds the sink for one delivery.
type SinkFactory interface {
	NewSink(ctx context.Context, kind SinkKind, req *Request) (sink.Sink, error)
}

// SinkFactoryFunc adapts a function to SinkFactory.
type SinkFactoryFunc func(ctx context.Context, kind SinkKind, req *Request) (sink.Sink, error)

// NewSink implements SinkFactory.
func (f SinkFactoryFunc) NewSink(ctx context.Context, kind SinkKind, req *Request) (sink.Sink, error) {
	return f(ctx, kind, req)
}

// Packager turns an artifact into the bytes a sink stores.
type Packager interface {
	Package(ctx context.Context, a *Artifact) ([]byte, error)
}

// PackagerFunc adapts a function to Packager.
type PackagerFunc func(ctx context.Context, a *Artifact) ([]byte, error)

// Package implements Packager.
func (f PackagerFunc) Package(ctx context.Context, a *Artifact) ([]byte, error) { return f(ctx, a) }

// ContentPackager stores the artifact's content as is.
type ContentPackager struct{}

// Package implements Packager.
func (ContentPackager) Package(_ context.Context, a *Artifact) ([]byte, error) {
	return a.Content, nil
}

// Bookmarks updates a bookmark's URL.
type Bookmarks interface {
	UpdateBookmarkURL(ctx context.Context, id, url string) error
}

// Recorder keeps a history of delivered outputs.
type Recorder interface {
	RecordDownload(ctx context.Context, d *ledger.Download) error
}

// Foreground hands a re-encoded page back to the producer on its channel.
type Foreground interface {
	SendDownload(ctx context.Context, channel string, frames [][]byte) error
}

// Prompter asks the producer on channel for a filename.
type Prompter interface {
	Prompt(ctx context.Context, channel, name string) (string, error)
}

// Job is one delivery. Release, when set, frees the transient resource the
// artifact was staged in; it runs exactly once whatever the outcome.
type Job struct {
	Channel  string
	Artifact *Artifact
	Request  *Request
	Release  func()

	once gosync.Once
}

func (j *Job) release() {
	j.once.Do(func() {
		if j.Release != nil {
			j.Release()
		}
	})
}

// Result is a successful delivery.
type Result struct {
	Sink    string
	Locator string
	Path    string
	// Name is the output's path relative to the destination root.
	Name    string
	Skipped bool
}

// LocalNamer maps a requested filename onto the relative path the local sink
// would write it to. The skip check looks that path up in the history.
type LocalNamer interface {
	LocalName(filename string) string
}

// Options wires an Orchestrator. Sinks and Policy are required.
type Options struct {
	Tasks      *Tasks
	Sinks      SinkFactory
	Policy     *conflict.Policy
	Packager   Packager
	Notifier   Notifier
	Bookmarks  Bookmarks
	Recorder   Recorder
	Foreground Foreground
	Prompter   Prompter
	Codec      *frame.Codec

	// LocalName keys the skip check. When nil, Sinks is used if it is a
	// LocalNamer, otherwise localfs.Sanitize with the default replacement.
	LocalName func(filename string) string

	// DefaultAction applies when a request names no conflict action.
	DefaultAction conflict.Action
	// ConfirmFilename asks for every local filename.
	ConfirmFilename bool
	// ReplaceBookmarkURL allows requests to repoint bookmarks.
	ReplaceBookmarkURL bool

	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

type queued struct {
	task *Task
	job  *Job
}

// Orchestrator delivers jobs on a bounded pool of workers.
type Orchestrator struct {
	opts   Options
	tasks  *Tasks
	logger *slog.Logger
	queue  chan *queued

	mu     gosync.Mutex
	closed bool
}

// New creates an orchestrator. Call Run to start its workers.
func New(opts Options) (*Orchestrator, error) {
	if opts.Sinks == nil || opts.Policy == nil {
		return nil, errors.New("delivery: sink factory and conflict policy are required")
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Tasks == nil {
		opts.Tasks = NewTasks(opts.Logger)
	}

	if opts.Packager == nil {
		opts.Packager = ContentPackager{}
	}

	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}

	if opts.LocalName == nil {
		if ln, ok := opts.Sinks.(LocalNamer); ok {
			opts.LocalName = ln.LocalName
		} else {
			opts.LocalName = func(filename string) string {
				return localfs.Sanitize(filename, localfs.DefaultReplacement)
			}
		}
	}

	if opts.DefaultAction == "" {
		opts.DefaultAction = conflict.ActionUniquify
	}

	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	return &Orchestrator{
		opts:   opts,
		tasks:  opts.Tasks,
		logger: opts.Logger,
		queue:  make(chan *queued, opts.QueueSize),
	}, nil
}

// Tasks returns the task table.
func (o *Orchestrator) Tasks() *Tasks { return o.tasks }

// Run starts the workers and blocks until ctx is cancelled. Jobs still queued
// at that point are released without delivery.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for range o.opts.Workers {
		g.Go(func() error {
			o.work(gctx)
			return nil
		})
	}

	o.logger.Info("delivery workers started", slog.Int("workers", o.opts.Workers))

	err := g.Wait()
	o.close()

	return err
}

func (o *Orchestrator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-o.queue:
			o.run(ctx, q)
		}
	}
}

func (o *Orchestrator) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for {
		select {
		case q := <-o.queue:
			q.job.release()
			o.tasks.End(q.task.ID())
		default:
			return
		}
	}
}

// Handle turns a reconstructed download message into a queued delivery.
func (o *Orchestrator) Handle(ctx context.Context, channel string, value any, release func()) (*Task, error) {
	a, req, err := ParseMessage(value)
	if err != nil {
		if release != nil {
			release()
		}

		return nil, err
	}

	return o.Submit(ctx, &Job{Channel: channel, Artifact: a, Request: req, Release: release})
}

// Submit registers a task for job and queues it. The task exists, and can be
// cancelled, from the moment Submit returns.
func (o *Orchestrator) Submit(ctx context.Context, job *Job) (*Task, error) {
	task, err := o.tasks.Create(context.WithoutCancel(ctx), job.Artifact.TaskID, job.Channel)
	if err != nil {
		job.release()
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		o.tasks.End(task.ID())
		job.release()

		return nil, ErrClosed
	}

	select {
	case o.queue <- &queued{task: task, job: job}:
		return task, nil
	default:
		o.tasks.End(task.ID())
		job.release()

		return nil, ErrBusy
	}
}

// run delivers one queued job and reports its single terminal outcome.
func (o *Orchestrator) run(ctx context.Context, q *queued) {
	res, err := o.Deliver(ctx, q.task, q.job)
	o.tasks.End(q.task.ID())
	o.report(ctx, q.task, q.job, res, err)
}

// Deliver runs job for task synchronously. A cancelled task performs no sink
// I/O and returns an error for which sink.IsCancelled is true.
func (o *Orchestrator) Deliver(ctx context.Context, task *Task, job *Job) (*Result, error) {
	defer job.release()

	if task.Cancelled() {
		return nil, sink.ErrCancelled
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(task.Context(), cancel)
	defer stop()

	req := *job.Request
	if req.ConflictAction == "" {
		req.ConflictAction = o.opts.DefaultAction
	}

	req.ConfirmFilename = req.ConfirmFilename || o.opts.ConfirmFilename

	kind := req.Choice()
	task.setSink(kind.String())

	if kind == SinkLocal {
		name := o.opts.LocalName(job.Artifact.Filename)

		resolution, err := o.opts.Policy.Resolve(ctx, name, req.ConflictAction)
		if err != nil {
			return nil, err
		}

		if resolution.Skip {
			o.logger.Info("output exists, skipping save",
				slog.String("task", task.ID()),
				slog.String("filename", name),
			)

			return &Result{Sink: localfs.Name, Name: name, Skipped: true}, nil
		}

		req.ConflictAction = resolution.Action
	}

	blob, err := o.opts.Packager.Package(ctx, job.Artifact)
	if err != nil {
		return nil, fmt.Errorf("delivery: packaging %s: %w", job.Artifact.Filename, err)
	}

	if kind == SinkForeground {
		return o.handBack(ctx, task, job, blob)
	}

	s, err := o.opts.Sinks.NewSink(ctx, kind, &req)
	if err != nil {
		return nil, sink.Annotate(err, kind.String())
	}

	task.setSink(s.Name())

	// Last checkpoint before remote I/O.
	if task.Cancelled() {
		return nil, sink.ErrCancelled
	}

	o.tasks.SetCancelCallback(task.ID(), s.Abort)

	started := time.Now()

	up, err := s.Upload(ctx, job.Artifact.Filename, blob, sink.UploadOptions{
		ConflictAction: req.ConflictAction,
		Prompt:         o.prompt(job.Channel),
		Progress:       o.progress(ctx, task, job),
	})
	if err != nil {
		return nil, err
	}

	if up.Pending != nil {
		if err := up.Pending(ctx); err != nil {
			return nil, err
		}
	}

	res := &Result{Sink: s.Name(), Locator: up.Locator, Path: up.Path, Name: up.Name}

	o.logger.Info("delivered",
		slog.String("task", task.ID()),
		slog.String("sink", res.Sink),
		slog.String("locator", res.Locator),
		slog.Int("bytes", len(blob)),
		slog.Duration("elapsed", time.Since(started)),
	)

	o.record(ctx, task, job, res, int64(len(blob)))
	o.replaceBookmark(ctx, &req, res)

	return res, nil
}

// handBack re-encodes the page and returns it to the producer.
func (o *Orchestrator) handBack(ctx context.Context, task *Task, job *Job, blob []byte) (*Result, error) {
	if o.opts.Foreground == nil || o.opts.Codec == nil {
		return nil, ErrNoForeground
	}

	frames, err := o.opts.Codec.Encode(map[string]any{
		"filename": job.Artifact.Filename,
		"taskId":   task.ID(),
		"content":  blob,
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: encoding foreground download: %w", err)
	}

	if err := o.opts.Foreground.SendDownload(ctx, job.Channel, frames); err != nil {
		return nil, sink.Check(ctx, fmt.Errorf("delivery: sending foreground download: %w", err))
	}

	return &Result{Sink: SinkForeground.String()}, nil
}

func (o *Orchestrator) prompt(channel string) sink.PromptFunc {
	if o.opts.Prompter == nil {
		return nil
	}

	return func(ctx context.Context, name string) (string, error) {
		return o.opts.Prompter.Prompt(ctx, channel, name)
	}
}

func (o *Orchestrator) progress(ctx context.Context, task *Task, job *Job) sink.ProgressFunc {
	return func(sent, total int64) {
		task.setProgress(sent, total)
		o.opts.Notifier.Notify(ctx, &Event{
			Kind:     EventProgress,
			TaskID:   task.ID(),
			Channel:  job.Channel,
			Filename: job.Artifact.Filename,
			Sent:     sent,
			Total:    total,
			Time:     time.Now(),
		})
	}
}

// record appends the output to the history. Best effort.
func (o *Orchestrator) record(ctx context.Context, task *Task, job *Job, res *Result, size int64) {
	if o.opts.Recorder == nil {
		return
	}

	name := job.Artifact.Filename
	if res.Name != "" {
		name = res.Name
	}

	err := o.opts.Recorder.RecordDownload(ctx, &ledger.Download{
		TaskID:   task.ID(),
		Sink:     res.Sink,
		Filename: name,
		Path:     res.Path,
		Locator:  res.Locator,
		Size:     size,
	})
	if err != nil {
		o.logger.Warn("recording download failed",
			slog.String("task", task.ID()),
			slog.String("error", err.Error()),
		)
	}
}

// replaceBookmark points the requested bookmark at the saved copy. Failure
// does not affect the delivery.
func (o *Orchestrator) replaceBookmark(ctx context.Context, req *Request, res *Result) {
	if !o.opts.ReplaceBookmarkURL || !req.ReplaceBookmarkURL || req.BookmarkID == "" ||
		res.Locator == "" || o.opts.Bookmarks == nil {
		return
	}

	if err := o.opts.Bookmarks.UpdateBookmarkURL(ctx, req.BookmarkID, res.Locator); err != nil {
		o.logger.Warn("bookmark update failed",
			slog.String("bookmark", req.BookmarkID),
			slog.String("error", err.Error()),
		)
	}
}

// report emits the task's single terminal event. Cancellation is silent.
func (o *Orchestrator) report(ctx context.Context, task *Task, job *Job, res *Result, err error) {
	ev := &Event{
		TaskID:   task.ID(),
		Channel:  job.Channel,
		Filename: job.Artifact.Filename,
		Time:     time.Now(),
	}

	switch {
	case err == nil:
		ev.Kind = EventEnd
		ev.Sink = res.Sink
		ev.Locator = res.Locator
		ev.Skipped = res.Skipped
	case sink.IsCancelled(err):
		o.logger.Debug("delivery cancelled", slog.String("task", task.ID()))
		return
	default:
		ev.Kind = EventError
		ev.Error = err.Error()
		ev.Category = sink.CategoryOf(err).String()

		var se *sink.Error
		if errors.As(err, &se) {
			ev.Sink = se.Sink
		}
	}

	o.opts.Notifier.Notify(context.WithoutCancel(ctx), ev)
}
