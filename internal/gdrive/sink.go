package gdrive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/tonimelisma/pagesave/internal/auth"
	"github.com/tonimelisma/pagesave/internal/conflict"
	"github.com/tonimelisma/pagesave/internal/sink"
)

// Name is the sink name used in logs and errors.
const Name = "Google Drive"

const defaultChunkSize = 8 << 20

// Options configures a Drive sink.
type Options struct {
	Client    *Client
	Auth      *auth.Manager
	Folder    string
	ChunkSize int64
	Throttle  *sink.Throttle
	// NonInteractive forbids opening a browser when a login is needed.
	NonInteractive bool
	// ForceAuth runs the interactive flow even when a token is stored.
	ForceAuth bool
	Logger    *slog.Logger
}

// Sink uploads to Google Drive through a resumable session. One Sink serves
// one delivery.
type Sink struct {
	opts    Options
	logger  *slog.Logger
	aborter sink.Aborter
}

var _ sink.Sink = (*Sink)(nil)

// New creates a Drive sink.
func New(opts Options) *Sink {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}

	return &Sink{opts: opts, logger: logger}
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return Name }

// Abort implements sink.Sink.
func (s *Sink) Abort() { s.aborter.Abort() }

// Upload implements sink.Sink. filename may carry sub-folders, which are
// created under the configured folder.
func (s *Sink) Upload(ctx context.Context, filename string, blob []byte, opts sink.UploadOptions) (*sink.Result, error) {
	ctx, release := s.aborter.Begin(ctx)
	defer release()

	var result *sink.Result

	err := s.opts.Auth.Do(ctx, auth.Options{NonInteractive: s.opts.NonInteractive, ForceAuth: s.opts.ForceAuth}, func(ctx context.Context, token string) error {
		r, err := s.upload(ctx, token, filename, blob, opts)
		result = r

		return err
	})
	if err != nil {
		return nil, sink.Annotate(sink.Check(ctx, err), Name)
	}

	return result, nil
}

func (s *Sink) upload(ctx context.Context, token, filename string, blob []byte, opts sink.UploadOptions) (*sink.Result, error) {
	c := s.opts.Client

	dir, base := path.Split(strings.ReplaceAll(filename, `\`, "/"))
	base = conflict.Normalize(base)

	parentID, err := c.EnsureFolders(ctx, token, path.Join(s.opts.Folder, dir))
	if err != nil {
		return nil, err
	}

	exists := func(ctx context.Context, name string) (bool, error) {
		f, err := c.Find(ctx, token, parentID, name, false)
		return f != nil, err
	}

	target, err := sink.ResolveName(ctx, base, opts.ConflictAction, exists, opts.Prompt)
	if err != nil {
		return nil, err
	}

	var existingID string

	if target.Skip || target.Overwrite {
		f, err := c.Find(ctx, token, parentID, target.Name, false)
		if err != nil {
			return nil, err
		}

		if target.Skip {
			s.logger.Info("file exists, skipping upload", slog.String("name", target.Name))
			return &sink.Result{Locator: locator(f)}, nil
		}

		if f != nil {
			existingID = f.ID
		}
	}

	session, err := c.CreateUploadSession(ctx, token, parentID, target.Name, existingID, int64(len(blob)))
	if err != nil {
		return nil, err
	}

	f, err := s.sendChunks(ctx, token, session, blob, opts)
	if err != nil {
		if ctx.Err() != nil {
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
			defer cancel()

			if cerr := c.CancelUploadSession(cancelCtx, token, session); cerr != nil {
				s.logger.Warn("failed to cancel upload session", slog.String("error", cerr.Error()))
			}
		}

		return nil, err
	}

	s.logger.Info("uploaded to drive",
		slog.String("name", target.Name),
		slog.String("id", f.ID),
		slog.Int("bytes", len(blob)),
	)

	return &sink.Result{Locator: locator(f)}, nil
}

func (s *Sink) sendChunks(ctx context.Context, token string, session *UploadSession, blob []byte, opts sink.UploadOptions) (*File, error) {
	total := int64(len(blob))

	for offset := int64(0); ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(offset+s.opts.ChunkSize, total)
		body := s.opts.Throttle.Reader(ctx, sink.ProgressReader(bytes.NewReader(blob[offset:end]), offset, total, opts))

		f, err := s.opts.Client.UploadChunk(ctx, token, session, body, offset, end-offset)
		if err != nil {
			return nil, err
		}

		if f != nil {
			return f, nil
		}

		if end >= total {
			return nil, fmt.Errorf("gdrive: server expected more than %d bytes", total)
		}

		offset = end
	}
}

func locator(f *File) string {
	if f == nil {
		return ""
	}

	if f.WebViewLink != "" {
		return f.WebViewLink
	}

	return "https://drive.google.com/file/d/" + f.ID + "/view"
}
