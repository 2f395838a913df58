// Package sink defines the uniform upload contract every delivery
// destination implements, together with the typed error categories the
// delivery and auth layers branch on.
package sink

import (
	"context"

	"github.com/tonimelisma/pagesave/internal/conflict"
)

// PromptFunc asks the user for a filename, proposing name. An empty answer
// means the user declined and the upload is cancelled.
type PromptFunc func(ctx context.Context, name string) (string, error)

// ProgressFunc reports upload progress in bytes.
type ProgressFunc func(sent, total int64)

// UploadOptions carries the per-delivery knobs shared by all sinks.
type UploadOptions struct {
	ConflictAction conflict.Action
	Prompt         PromptFunc
	Progress       ProgressFunc
}

// Result is the outcome of a successful Upload.
type Result struct {
	// Locator is the final path or URL of the stored artifact, with '#'
	// already percent-encoded. Empty for sinks without one.
	Locator string
	// Path is the local file written, for sinks that write one.
	Path string
	// Name is the slash-separated name of the output relative to the
	// destination root, for sinks that report one.
	Name string
	// Pending, when non-nil, completes a deferred finalisation step such as a
	// repository push. The delivery is not finished until it returns.
	Pending func(ctx context.Context) error
}

// Sink is a delivery destination.
type Sink interface {
	// Name identifies the sink in logs and user-facing errors.
	Name() string
	// Upload stores blob under filename.
	Upload(ctx context.Context, filename string, blob []byte, opts UploadOptions) (*Result, error)
	// Abort cancels the in-flight upload, if any. Idempotent and safe to call
	// when nothing is running.
	Abort()
}

// Report calls opts.Progress when set.
func (o UploadOptions) Report(sent, total int64) {
	if o.Progress != nil {
		o.Progress(sent, total)
	}
}
