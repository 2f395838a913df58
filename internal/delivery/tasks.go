package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateTask is returned when a producer reuses the id of a live task.
var ErrDuplicateTask = errors.New("delivery: task id already in use")

// Task is one accepted delivery request. Its context is cancelled by Cancel
// and by End; cancellation additionally runs the registered callback once.
type Task struct {
	id      string
	channel string
	started time.Time

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu        gosync.Mutex
	cancelled bool
	ended     bool
	callback  func()
	sinkName  string
	sent      int64
	total     int64
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Channel returns the channel the request arrived on.
func (t *Task) Channel() string { return t.channel }

// Context is cancelled when the task is cancelled or ended.
func (t *Task) Context() context.Context { return t.ctx }

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cancelled
}

// setSink records the chosen sink for Info.
func (t *Task) setSink(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sinkName = name
}

// setProgress records upload progress for Info.
func (t *Task) setProgress(sent, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sent, t.total = sent, total
}

// cancel flips the flag, cancels the context and runs the callback. Returns
// false when the task was already cancelled or has ended.
func (t *Task) cancel() bool {
	t.mu.Lock()

	if t.cancelled || t.ended {
		t.mu.Unlock()
		return false
	}

	t.cancelled = true
	cb := t.callback
	t.callback = nil
	t.mu.Unlock()

	t.cancelCtx()

	if cb != nil {
		cb()
	}

	return true
}

// TaskInfo is a snapshot of a live task.
type TaskInfo struct {
	ID        string    `json:"id" msgpack:"id"`
	Channel   string    `json:"channel" msgpack:"channel"`
	Sink      string    `json:"sink,omitempty" msgpack:"sink,omitempty"`
	Cancelled bool      `json:"cancelled" msgpack:"cancelled"`
	Sent      int64     `json:"sent" msgpack:"sent"`
	Total     int64     `json:"total" msgpack:"total"`
	Started   time.Time `json:"started" msgpack:"started"`
}

// Tasks is the table of live tasks. Safe for concurrent use.
type Tasks struct {
	logger *slog.Logger

	mu    gosync.Mutex
	tasks map[string]*Task
}

// NewTasks creates an empty task table.
func NewTasks(logger *slog.Logger) *Tasks {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tasks{logger: logger, tasks: make(map[string]*Task)}
}

// Create registers a task. An empty id gets a fresh uuid. The task context
// derives from ctx.
func (ts *Tasks) Create(ctx context.Context, id, channel string) (*Task, error) {
	if id == "" {
		id = uuid.NewString()
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.tasks[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:        id,
		channel:   channel,
		started:   time.Now(),
		ctx:       taskCtx,
		cancelCtx: cancel,
	}
	ts.tasks[id] = t

	ts.logger.Debug("task created", slog.String("task", id), slog.String("channel", channel))

	return t, nil
}

// Get returns the live task with id.
func (ts *Tasks) Get(id string) (*Task, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.tasks[id]

	return t, ok
}

// Cancel cancels the task with id. Cancelling an unknown, ended or already
// cancelled task is a no-op that returns false.
func (ts *Tasks) Cancel(id string) bool {
	t, ok := ts.Get(id)
	if !ok {
		return false
	}

	if !t.cancel() {
		return false
	}

	ts.logger.Info("task cancelled", slog.String("task", id))

	return true
}

// CancelAll cancels every live task and returns how many were cancelled.
func (ts *Tasks) CancelAll() int {
	return ts.cancelWhere(func(*Task) bool { return true })
}

// CancelChannel cancels the live tasks that arrived on channel.
func (ts *Tasks) CancelChannel(channel string) int {
	return ts.cancelWhere(func(t *Task) bool { return t.channel == channel })
}

func (ts *Tasks) cancelWhere(match func(*Task) bool) int {
	ts.mu.Lock()

	var targets []*Task

	for _, t := range ts.tasks {
		if match(t) {
			targets = append(targets, t)
		}
	}
	ts.mu.Unlock()

	n := 0

	for _, t := range targets {
		if t.cancel() {
			n++
		}
	}

	if n > 0 {
		ts.logger.Info("tasks cancelled", slog.Int("count", n))
	}

	return n
}

// SetCancelCallback registers cb to abort the task's in-flight I/O. It
// replaces a previous callback. If the task is already cancelled, cb runs
// immediately. Returns false for unknown or ended tasks.
func (ts *Tasks) SetCancelCallback(id string, cb func()) bool {
	t, ok := ts.Get(id)
	if !ok {
		return false
	}

	t.mu.Lock()

	if t.ended {
		t.mu.Unlock()
		return false
	}

	if t.cancelled {
		t.mu.Unlock()
		cb()

		return true
	}

	t.callback = cb
	t.mu.Unlock()

	return true
}

// End removes the task. Its context is released and a later Cancel is a
// no-op. Returns false for unknown tasks.
func (ts *Tasks) End(id string) bool {
	ts.mu.Lock()
	t, ok := ts.tasks[id]
	delete(ts.tasks, id)
	ts.mu.Unlock()

	if !ok {
		return false
	}

	t.mu.Lock()
	t.ended = true
	t.callback = nil
	t.mu.Unlock()

	t.cancelCtx()

	ts.logger.Debug("task ended", slog.String("task", id))

	return true
}

// Info returns a snapshot of every live task, oldest first.
func (ts *Tasks) Info() []TaskInfo {
	ts.mu.Lock()

	infos := make([]TaskInfo, 0, len(ts.tasks))

	for _, t := range ts.tasks {
		t.mu.Lock()
		infos = append(infos, TaskInfo{
			ID:        t.id,
			Channel:   t.channel,
			Sink:      t.sinkName,
			Cancelled: t.cancelled,
			Sent:      t.sent,
			Total:     t.total,
			Started:   t.started,
		})
		t.mu.Unlock()
	}
	ts.mu.Unlock()

	slices.SortFunc(infos, func(a, b TaskInfo) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return infos
}

// Len returns the number of live tasks.
func (ts *Tasks) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return len(ts.tasks)
}
