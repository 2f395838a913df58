// Package transfer owns the per-channel reconstruction sessions. Every
// logical channel (one producer connection) has at most one live session; a
// session is created by a begin frame, fed in arrival order, and removed the
// moment its value is complete or its decoder fails.
package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	gosync "sync"
	"time"

	"github.com/tonimelisma/pagesave/internal/frame"
)

// ErrNoSession is returned for a continuation frame on a channel that has no
// live session (the begin frame was never seen, or the session was dropped).
var ErrNoSession = errors.New("transfer: no active session for channel")

// Result is the outcome of feeding one frame.
type Result struct {
	Done  bool
	Value any
}

// session is the mutable reconstruction state of one channel.
type session struct {
	mu        gosync.Mutex
	channelID string
	decoder   *frame.Decoder
	started   time.Time
	bytes     int64
}

// Registry maps channel ids to sessions. Safe for concurrent use; frames for
// the same channel are decoded one at a time, different channels in parallel.
type Registry struct {
	codec  *frame.Codec
	logger *slog.Logger

	mu       gosync.Mutex
	sessions map[string]*session
}

// NewRegistry creates an empty registry decoding with codec.
func NewRegistry(codec *frame.Codec, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		codec:    codec,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Feed routes one raw frame to the channel's session. A begin frame always
// starts a fresh session, replacing (never merging with) a stale one. When the
// value completes, the session is removed before Feed returns, so the next
// transfer on the channel starts clean. A decode error drops the session and
// affects no other channel.
func (r *Registry) Feed(channelID string, raw []byte) (Result, error) {
	f, err := frame.Unmarshal(raw)
	if err != nil {
		r.Drop(channelID)
		return Result{}, fmt.Errorf("transfer: channel %s: %w", channelID, &frame.ProtocolError{Frame: 0, Msg: "undecodable frame", Err: err})
	}

	s, err := r.sessionFor(channelID, f.Kind)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	done, value, err := s.decoder.FeedFrame(f)
	if err != nil {
		r.remove(channelID, s)
		r.logger.Warn("transfer session failed",
			slog.String("channel", channelID),
			slog.Int("frames", s.decoder.Frames()),
			slog.String("error", err.Error()),
		)

		return Result{}, fmt.Errorf("transfer: channel %s: %w", channelID, err)
	}

	s.bytes += int64(len(raw))

	if !done {
		return Result{}, nil
	}

	r.remove(channelID, s)
	r.logger.Debug("transfer session complete",
		slog.String("channel", channelID),
		slog.Int("frames", s.decoder.Frames()),
		slog.Int64("bytes", s.bytes),
		slog.Duration("elapsed", time.Since(s.started)),
	)

	return Result{Done: true, Value: value}, nil
}

// sessionFor returns the live session for channelID, creating one for a begin
// frame and replacing any session still in progress.
func (r *Registry) sessionFor(channelID string, kind frame.Kind) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[channelID]

	if kind != frame.KindBegin {
		if !ok {
			return nil, fmt.Errorf("%w %s (got %s frame)", ErrNoSession, channelID, kind)
		}

		return existing, nil
	}

	if ok {
		r.logger.Warn("replacing unfinished transfer session",
			slog.String("channel", channelID),
			slog.Int("frames", existing.decoder.Frames()),
		)
	}

	s := &session{
		channelID: channelID,
		decoder:   r.codec.NewDecoder(),
		started:   time.Now(),
	}
	r.sessions[channelID] = s

	return s, nil
}

// remove deletes the channel's session if it is still s. A begin frame that
// raced in and replaced s is left alone.
func (r *Registry) remove(channelID string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[channelID] == s {
		delete(r.sessions, channelID)
	}
}

// Drop discards the channel's session, if any. Called from connection
// teardown so abandoned transfers do not leak.
func (r *Registry) Drop(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[channelID]; !ok {
		return false
	}

	delete(r.sessions, channelID)
	r.logger.Debug("transfer session dropped", slog.String("channel", channelID))

	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// Channels returns the ids of channels with a live session, sorted.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
