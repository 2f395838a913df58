package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// EventKind classifies a delivery event.
type EventKind string

// Event kinds. End and Error are terminal; a cancelled task emits neither.
const (
	EventEnd      EventKind = "end"
	EventError    EventKind = "error"
	EventProgress EventKind = "progress"
)

// Event is a delivery outcome or progress report.
type Event struct {
	Kind     EventKind `json:"kind"`
	TaskID   string    `json:"task_id"`
	Channel  string    `json:"channel"`
	Sink     string    `json:"sink,omitempty"`
	Filename string    `json:"filename,omitempty"`
	Locator  string    `json:"locator,omitempty"`
	Skipped  bool      `json:"skipped,omitempty"`
	Error    string    `json:"error,omitempty"`
	Category string    `json:"category,omitempty"`
	Sent     int64     `json:"sent,omitempty"`
	Total    int64     `json:"total,omitempty"`
	Time     time.Time `json:"time"`
}

// Notifier receives delivery events. Implementations must not block for
// long; they run on the delivery worker.
type Notifier interface {
	Notify(ctx context.Context, ev *Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev *Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, ev *Event) { f(ctx, ev) }

// MultiNotifier fans an event out to every notifier in order.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, ev *Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// LogNotifier logs terminal events.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, ev *Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch ev.Kind {
	case EventEnd:
		logger.Info("delivery finished",
			slog.String("task", ev.TaskID),
			slog.String("sink", ev.Sink),
			slog.String("locator", ev.Locator),
			slog.Bool("skipped", ev.Skipped),
		)
	case EventError:
		logger.Error("delivery failed",
			slog.String("task", ev.TaskID),
			slog.String("sink", ev.Sink),
			slog.String("category", ev.Category),
			slog.String("error", ev.Error),
		)
	case EventProgress:
		// Too chatty for the log.
	}
}

// Redis notifier defaults.
const (
	DefaultRedisTimeout = 5 * time.Second
	DefaultRedisRetries = 3
)

// RedisNotifier publishes terminal events as JSON on a pub/sub channel,
// retrying with exponential backoff.
type RedisNotifier struct {
	client  goredis.Cmdable
	channel string
	timeout time.Duration
	retries int
	logger  *slog.Logger
}

// NewRedisNotifier creates a notifier publishing on channel.
func NewRedisNotifier(client goredis.Cmdable, channel string, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisNotifier{
		client:  client,
		channel: channel,
		timeout: DefaultRedisTimeout,
		retries: DefaultRedisRetries,
		logger:  logger,
	}
}

// Notify implements Notifier. Progress events are not published. A publish
// failure is logged and otherwise ignored.
func (r *RedisNotifier) Notify(ctx context.Context, ev *Event) {
	if ev.Kind == EventProgress {
		return
	}

	if err := r.Publish(ctx, ev); err != nil {
		r.logger.Warn("publishing delivery event failed",
			slog.String("task", ev.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

// Publish sends ev with retries.
func (r *RedisNotifier) Publish(ctx context.Context, ev *Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("delivery: marshal event: %w", err)
	}

	var lastErr error

	attempts := 1 + r.retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("delivery: publish canceled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("delivery: publish canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, r.timeout)
		lastErr = r.client.Publish(publishCtx, r.channel, body).Err()
		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("delivery: publish failed after %d attempts: %w", attempts, lastErr)
}
