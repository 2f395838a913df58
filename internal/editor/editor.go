// Package editor is the in-editor sink: the artifact is written to a scratch
// file and handed to an external editor command.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/pagesave/internal/localfs"
	"github.com/tonimelisma/pagesave/internal/sink"
)

// Name is the sink name used in logs and errors.
const Name = "editor"

// FilePlaceholder in an argument is replaced by the scratch file path.
const FilePlaceholder = "{file}"

// waitDelay bounds how long a killed editor's children may hold its output.
const waitDelay = 2 * time.Second

// Options configures the editor sink.
type Options struct {
	Command string
	Args    []string
	// Dir receives scratch files. Defaults to os.TempDir().
	Dir    string
	Logger *slog.Logger
}

// Sink opens artifacts in an editor. One Sink serves one delivery.
type Sink struct {
	opts    Options
	logger  *slog.Logger
	aborter sink.Aborter
}

var _ sink.Sink = (*Sink)(nil)

// New creates an editor sink.
func New(opts Options) (*Sink, error) {
	if opts.Command == "" {
		return nil, errors.New("editor: command is required")
	}

	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sink{opts: opts, logger: logger}, nil
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return Name }

// Abort implements sink.Sink. It kills a running editor.
func (s *Sink) Abort() { s.aborter.Abort() }

// Upload writes blob to a scratch file and runs the editor on it, returning
// when the editor exits. There is no locator.
func (s *Sink) Upload(ctx context.Context, filename string, blob []byte, opts sink.UploadOptions) (*sink.Result, error) {
	ctx, release := s.aborter.Begin(ctx)
	defer release()

	if err := s.open(ctx, filename, blob, opts); err != nil {
		return nil, sink.Annotate(sink.Check(ctx, err), Name)
	}

	return &sink.Result{}, nil
}

func (s *Sink) open(ctx context.Context, filename string, blob []byte, opts sink.UploadOptions) error {
	if err := os.MkdirAll(s.opts.Dir, localfs.DirPerms); err != nil {
		return fmt.Errorf("editor: creating scratch dir: %w", err)
	}

	scratch, err := os.MkdirTemp(s.opts.Dir, "pagesave-edit-*")
	if err != nil {
		return fmt.Errorf("editor: creating scratch dir: %w", err)
	}

	file := filepath.Join(scratch, path.Base(localfs.Sanitize(filename, "_")))
	if err := os.WriteFile(file, blob, localfs.FilePerms); err != nil {
		return fmt.Errorf("editor: writing scratch file: %w", err)
	}

	opts.Report(int64(len(blob)), int64(len(blob)))

	cmd := exec.CommandContext(ctx, s.opts.Command, Args(s.opts.Args, file)...) //nolint:gosec // command comes from the user's config
	cmd.WaitDelay = waitDelay

	out, err := cmd.CombinedOutput()

	if err != nil {
		return fmt.Errorf("editor: running %s: %w: %s", s.opts.Command, err, strings.TrimSpace(string(out)))
	}

	s.logger.Info("opened in editor",
		slog.String("command", s.opts.Command),
		slog.String("file", file),
	)

	return nil
}

// Args substitutes file into args, appending it when no argument carries the
// placeholder.
func Args(args []string, file string) []string {
	out := make([]string, 0, len(args)+1)
	found := false

	for _, a := range args {
		if strings.Contains(a, FilePlaceholder) {
			found = true
			a = strings.ReplaceAll(a, FilePlaceholder, file)
		}

		out = append(out, a)
	}

	if !found {
		out = append(out, file)
	}

	return out
}
