package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	gosync "sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tonimelisma/pagesave/internal/auth"
	"github.com/tonimelisma/pagesave/internal/config"
	"github.com/tonimelisma/pagesave/internal/editor"
	"github.com/tonimelisma/pagesave/internal/gdrive"
	"github.com/tonimelisma/pagesave/internal/github"
	"github.com/tonimelisma/pagesave/internal/localfs"
	"github.com/tonimelisma/pagesave/internal/objstore"
	"github.com/tonimelisma/pagesave/internal/sink"
	"github.com/tonimelisma/pagesave/internal/webdav"
)

// ErrNotConfigured is returned when a request selects a sink the
// configuration does not set up. The orchestrator names the sink.
var ErrNotConfigured = errors.New("delivery: sink not configured")

// FactoryOptions wires a Factory.
type FactoryOptions struct {
	Holder *config.Holder
	// Auth is the Google Drive session. Nil disables the Drive sink.
	Auth  *auth.Manager
	Drive *gdrive.Client
	// S3 overrides the object store client, for tests.
	S3 objstore.API
	// NonInteractive forbids browser logins during deliveries.
	NonInteractive bool
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Factory builds sinks from the current configuration. Sinks are created per
// delivery; the throttle and the S3 client are shared and rebuilt only when
// their settings change.
type Factory struct {
	opts   FactoryOptions
	logger *slog.Logger

	mu        gosync.Mutex
	limit     string
	throttle  *sink.Throttle
	s3Config  config.S3Config
	s3Client  *s3.Client
	s3Created bool
}

var _ SinkFactory = (*Factory)(nil)

// NewFactory creates a Factory reading opts.Holder on every delivery.
func NewFactory(opts FactoryOptions) *Factory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Factory{opts: opts, logger: opts.Logger}
}

// LocalName implements LocalNamer with the configured replacement character.
func (f *Factory) LocalName(filename string) string {
	return localfs.Sanitize(filename, f.opts.Holder.Config().Delivery.ReplacementCharacter)
}

// NewSink implements SinkFactory.
func (f *Factory) NewSink(ctx context.Context, kind SinkKind, req *Request) (sink.Sink, error) {
	cfg := f.opts.Holder.Config()

	throttle, err := f.sharedThrottle(cfg.Delivery.BandwidthLimit)
	if err != nil {
		return nil, err
	}

	switch kind {
	case SinkLocal:
		return localfs.New(localfs.Options{
			Dir:             cfg.Delivery.DownloadDir,
			Replacement:     cfg.Delivery.ReplacementCharacter,
			ConfirmFilename: req.ConfirmFilename,
			Throttle:        throttle,
			Logger:          f.logger,
		})

	case SinkEditor:
		if cfg.Editor.Command == "" {
			return nil, fmt.Errorf("%w: set editor.command", ErrNotConfigured)
		}

		return editor.New(editor.Options{
			Command: cfg.Editor.Command,
			Args:    cfg.Editor.Args,
			Dir:     filepath.Join(config.DefaultCacheDir(), "editor"),
			Logger:  f.logger,
		})

	case SinkWebDAV:
		if cfg.WebDAV.URL == "" {
			return nil, fmt.Errorf("%w: set webdav.url", ErrNotConfigured)
		}

		return webdav.New(webdav.Options{
			URL:        cfg.WebDAV.URL,
			User:       cfg.WebDAV.User,
			Password:   cfg.WebDAV.Password,
			HTTPClient: f.opts.HTTPClient,
			Throttle:   throttle,
			Logger:     f.logger,
		})

	case SinkGDrive:
		if f.opts.Auth == nil || f.opts.Drive == nil {
			return nil, fmt.Errorf("%w: set gdrive.client_id", ErrNotConfigured)
		}

		chunk, err := config.ParseSize(cfg.GDrive.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("delivery: gdrive chunk size: %w", err)
		}

		return gdrive.New(gdrive.Options{
			Client:         f.opts.Drive,
			Auth:           f.opts.Auth,
			Folder:         cfg.GDrive.Folder,
			ChunkSize:      chunk,
			Throttle:       throttle,
			NonInteractive: f.opts.NonInteractive,
			ForceAuth:      req.ForceAuth,
			Logger:         f.logger,
		}), nil

	case SinkGitHub:
		if cfg.GitHub.Owner == "" || cfg.GitHub.Repo == "" {
			return nil, fmt.Errorf("%w: set github.owner and github.repo", ErrNotConfigured)
		}

		return github.New(github.Options{
			Token:      cfg.GitHub.Token,
			Owner:      cfg.GitHub.Owner,
			Repo:       cfg.GitHub.Repo,
			Branch:     cfg.GitHub.Branch,
			Folder:     cfg.GitHub.Folder,
			APIURL:     cfg.GitHub.APIURL,
			Message:    cfg.GitHub.Message,
			HTTPClient: f.opts.HTTPClient,
			Logger:     f.logger,
		})

	case SinkS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("%w: set s3.bucket", ErrNotConfigured)
		}

		so := objstoreOptions(cfg.S3, throttle, f.logger)

		client, err := f.s3(ctx, cfg.S3, so)
		if err != nil {
			return nil, err
		}

		return objstore.New(client, so)

	default:
		return nil, fmt.Errorf("delivery: no sink for %s", kind)
	}
}

func (f *Factory) sharedThrottle(limit string) (*sink.Throttle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if limit == f.limit {
		return f.throttle, nil
	}

	t, err := sink.NewThrottle(limit, f.logger)
	if err != nil {
		return nil, err
	}

	f.limit, f.throttle = limit, t

	return t, nil
}

func (f *Factory) s3(ctx context.Context, sc config.S3Config, so objstore.Options) (objstore.API, error) {
	if f.opts.S3 != nil {
		return f.opts.S3, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.s3Created && f.s3Config == sc {
		return f.s3Client, nil
	}

	client, err := objstore.NewClient(ctx, so)
	if err != nil {
		return nil, err
	}

	f.s3Config, f.s3Client, f.s3Created = sc, client, true

	return client, nil
}

func objstoreOptions(sc config.S3Config, throttle *sink.Throttle, logger *slog.Logger) objstore.Options {
	return objstore.Options{
		Bucket:          sc.Bucket,
		Prefix:          sc.Prefix,
		Region:          sc.Region,
		Endpoint:        sc.Endpoint,
		AccessKeyID:     sc.AccessKeyID,
		SecretAccessKey: sc.SecretAccessKey,
		UsePathStyle:    sc.UsePathStyle,
		Throttle:        throttle,
		Logger:          logger,
	}
}
