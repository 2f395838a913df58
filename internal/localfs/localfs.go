// Package localfs is the local download sink: artifacts are written into the
// download directory with an atomic temp-file-and-rename.
package localfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tonimelisma/pagesave/internal/conflict"
	"github.com/tonimelisma/pagesave/internal/sink"
)

// Name is the sink name used in logs and errors.
const Name = "local"

// File and directory permissions for saved pages.
const (
	DirPerms  = 0o755
	FilePerms = 0o644
)

// DefaultReplacement substitutes disallowed filename characters when no
// replacement is configured.
const DefaultReplacement = "_"

// maxLinkAttempts bounds the retries when another writer takes the chosen
// name between the existence check and the final link.
const maxLinkAttempts = 5

// Options configures a local sink.
type Options struct {
	Dir string
	// Replacement substitutes characters that are not allowed in filenames.
	Replacement string
	// ConfirmFilename asks the user for the name through UploadOptions.Prompt
	// before writing.
	ConfirmFilename bool
	Throttle        *sink.Throttle
	Logger          *slog.Logger
}

// Sink writes into a local directory. One Sink serves one delivery.
type Sink struct {
	opts    Options
	logger  *slog.Logger
	aborter sink.Aborter
}

var _ sink.Sink = (*Sink)(nil)

// New creates a local sink.
func New(opts Options) (*Sink, error) {
	if opts.Dir == "" {
		return nil, errors.New("localfs: download directory is required")
	}

	if opts.Replacement == "" {
		opts.Replacement = DefaultReplacement
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sink{opts: opts, logger: logger}, nil
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return Name }

// Abort implements sink.Sink.
func (s *Sink) Abort() { s.aborter.Abort() }

// Upload implements sink.Sink. filename may contain sub-directories; ".."
// components are dropped.
func (s *Sink) Upload(ctx context.Context, filename string, blob []byte, opts sink.UploadOptions) (*sink.Result, error) {
	ctx, release := s.aborter.Begin(ctx)
	defer release()

	res, err := s.save(ctx, filename, blob, opts)
	if err != nil {
		return nil, sink.Annotate(sink.Check(ctx, err), Name)
	}

	return res, nil
}

func (s *Sink) save(ctx context.Context, filename string, blob []byte, opts sink.UploadOptions) (*sink.Result, error) {
	rel := Sanitize(filename, s.opts.Replacement)

	if s.opts.ConfirmFilename && opts.Prompt != nil {
		answer, err := opts.Prompt(ctx, rel)
		if err != nil {
			return nil, err
		}

		if strings.TrimSpace(answer) == "" {
			return nil, sink.ErrCancelled
		}

		rel = Sanitize(answer, s.opts.Replacement)
	}

	dir, base := path.Split(rel)
	absDir := filepath.Join(s.opts.Dir, filepath.FromSlash(dir))

	if err := os.MkdirAll(absDir, DirPerms); err != nil {
		return nil, fmt.Errorf("localfs: creating directory %s: %w", absDir, err)
	}

	exists := func(_ context.Context, name string) (bool, error) {
		_, err := os.Lstat(filepath.Join(absDir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return err == nil, err
	}

	// The confirmed name already came from the user; later conflicts uniquify.
	action := opts.ConflictAction
	if s.opts.ConfirmFilename && action == conflict.ActionPrompt {
		action = conflict.ActionUniquify
	}

	target, err := sink.ResolveName(ctx, base, action, exists, s.sanitizedPrompt(opts.Prompt))
	if err != nil {
		return nil, err
	}

	if target.Skip {
		final := filepath.Join(absDir, target.Name)
		s.logger.Info("file exists, skipping save", slog.String("path", final))

		return &sink.Result{Locator: Locator(final), Path: final, Name: path.Join(dir, target.Name)}, nil
	}

	tmpPath, err := s.writeTemp(ctx, absDir, blob, opts)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath)

	final, err := s.place(ctx, tmpPath, absDir, target, exists)
	if err != nil {
		return nil, err
	}

	s.logger.Info("saved page",
		slog.String("path", final),
		slog.Int("bytes", len(blob)),
	)

	return &sink.Result{Locator: Locator(final), Path: final, Name: path.Join(dir, filepath.Base(final))}, nil
}

// sanitizedPrompt keeps a prompted replacement name inside its directory.
func (s *Sink) sanitizedPrompt(prompt sink.PromptFunc) sink.PromptFunc {
	if prompt == nil {
		return nil
	}

	return func(ctx context.Context, name string) (string, error) {
		answer, err := prompt(ctx, name)
		if err != nil || strings.TrimSpace(answer) == "" {
			return answer, err
		}

		return path.Base(Sanitize(answer, s.opts.Replacement)), nil
	}
}

// writeTemp writes blob to a temp file in dir and returns its path.
func (s *Sink) writeTemp(ctx context.Context, dir string, blob []byte, opts sink.UploadOptions) (string, error) {
	tmp, err := os.CreateTemp(dir, ".pagesave-*.tmp")
	if err != nil {
		return "", fmt.Errorf("localfs: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	total := int64(len(blob))
	r := s.opts.Throttle.Reader(ctx, sink.ProgressReader(&ctxReader{ctx: ctx, r: bytes.NewReader(blob)}, 0, total, opts))

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("localfs: writing: %w", err)
	}

	if err := tmp.Chmod(FilePerms); err != nil {
		tmp.Close()
		return "", fmt.Errorf("localfs: setting permissions: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("localfs: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("localfs: closing: %w", err)
	}

	success = true

	return tmpPath, nil
}

// place moves the temp file to its final name. Overwrites rename over the
// target; everything else links so a file created concurrently under the
// chosen name is never clobbered, re-uniquifying on collision.
func (s *Sink) place(ctx context.Context, tmpPath, dir string, target sink.Target, exists sink.ExistsFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	final := filepath.Join(dir, target.Name)

	if target.Overwrite {
		if err := os.Rename(tmpPath, final); err != nil {
			return "", fmt.Errorf("localfs: renaming: %w", err)
		}

		return final, nil
	}

	for range maxLinkAttempts {
		err := os.Link(tmpPath, final)
		if err == nil {
			return final, nil
		}

		if !errors.Is(err, fs.ErrExist) {
			// Filesystems without hard links.
			if renameErr := os.Rename(tmpPath, final); renameErr != nil {
				return "", fmt.Errorf("localfs: renaming: %w", renameErr)
			}

			return final, nil
		}

		name, uerr := conflict.UniqueName(target.Name, func(n string) (bool, error) { return exists(ctx, n) })
		if uerr != nil {
			return "", uerr
		}

		final = filepath.Join(dir, name)
	}

	return "", fmt.Errorf("localfs: %s kept changing under us", final)
}

// Locator is the file URL of p with '#' percent-encoded.
func Locator(p string) string {
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	return "file://" + conflict.EncodeSharp(p)
}

// Sanitize makes filename safe as a relative path: characters invalid on
// common filesystems become replacement, and empty, "." and ".." components
// are dropped.
func Sanitize(filename, replacement string) string {
	filename = strings.ReplaceAll(filename, `\`, "/")

	var parts []string

	for _, seg := range strings.Split(filename, "/") {
		if seg == "" {
			continue
		}

		var b strings.Builder

		for _, r := range conflict.Normalize(seg) {
			if r < 0x20 || strings.ContainsRune(`<>:"|?*`, r) {
				b.WriteString(replacement)
				continue
			}

			b.WriteRune(r)
		}

		seg = strings.TrimRight(strings.TrimSpace(b.String()), ".")
		if seg == "" {
			continue
		}

		parts = append(parts, seg)
	}

	if len(parts) == 0 {
		return "download"
	}

	return strings.Join(parts, "/")
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
