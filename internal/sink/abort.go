package sink

import (
	"context"
	gosync "sync"
)

// Aborter gives a sink an idempotent Abort. Begin derives the context for
// one upload; Abort cancels it. An Abort that arrives before Begin is
// remembered and cancels the next upload immediately.
type Aborter struct {
	mu      gosync.Mutex
	cancel  context.CancelFunc
	aborted bool
}

// Begin returns the context for an upload and a release func the sink must
// call when the upload ends.
func (a *Aborter) Begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.aborted {
		cancel()
	}

	a.cancel = cancel

	return ctx, func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		cancel()

		a.cancel = nil
	}
}

// Abort cancels the in-flight upload. Safe to call any number of times.
func (a *Aborter) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.aborted = true

	if a.cancel != nil {
		a.cancel()
	}
}

// Aborted reports whether Abort has been called.
func (a *Aborter) Aborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.aborted
}

// Check converts a cancelled upload context into ErrCancelled and passes any
// other error through.
func Check(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return &Error{Category: CategoryCancelled, Msg: "upload cancelled", Err: err}
	}

	return err
}
