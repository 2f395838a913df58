// Package webdav is the WebDAV sink: folders are created with MKCOL, files
// are written with a single PUT and probed with PROPFIND.
package webdav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/tonimelisma/pagesave/internal/conflict"
	"github.com/tonimelisma/pagesave/internal/sink"
)

// Name is the sink name used in logs and errors.
const Name = "WebDAV"

// ErrUnauthorized is returned when the server rejects the credentials.
var ErrUnauthorized = errors.New("webdav: credentials rejected")

// StatusError is a non-success answer from the server.
type StatusError struct {
	Method string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webdav: %s %s: HTTP %d", e.Method, e.URL, e.Status)
}

// Options configures a WebDAV sink.
type Options struct {
	URL        string
	User       string
	Password   string
	HTTPClient *http.Client
	Throttle   *sink.Throttle
	Logger     *slog.Logger
}

// Sink uploads to a WebDAV collection. One Sink serves one delivery.
type Sink struct {
	base    *url.URL
	opts    Options
	logger  *slog.Logger
	aborter sink.Aborter
}

var _ sink.Sink = (*Sink)(nil)

// New creates a WebDAV sink rooted at opts.URL.
func New(opts Options) (*Sink, error) {
	base, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("webdav: parsing url: %w", err)
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("webdav: url %q must be http or https", opts.URL)
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base.Path = strings.TrimSuffix(base.Path, "/")

	return &Sink{base: base, opts: opts, logger: logger}, nil
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return Name }

// Abort implements sink.Sink.
func (s *Sink) Abort() { s.aborter.Abort() }

// Upload implements sink.Sink.
func (s *Sink) Upload(ctx context.Context, filename string, blob []byte, opts sink.UploadOptions) (*sink.Result, error) {
	ctx, release := s.aborter.Begin(ctx)
	defer release()

	res, err := s.upload(ctx, filename, blob, opts)
	if err != nil {
		return nil, sink.Annotate(sink.Check(ctx, err), Name)
	}

	return res, nil
}

func (s *Sink) upload(ctx context.Context, filename string, blob []byte, opts sink.UploadOptions) (*sink.Result, error) {
	dir, base := path.Split(strings.ReplaceAll(filename, `\`, "/"))
	base = conflict.Normalize(base)

	if err := s.mkdirAll(ctx, dir); err != nil {
		return nil, err
	}

	exists := func(ctx context.Context, name string) (bool, error) {
		return s.exists(ctx, path.Join(dir, name))
	}

	target, err := sink.ResolveName(ctx, base, opts.ConflictAction, exists, opts.Prompt)
	if err != nil {
		return nil, err
	}

	rel := path.Join(dir, target.Name)
	loc := s.resolve(rel).String()

	if target.Skip {
		s.logger.Info("file exists, skipping upload", slog.String("path", rel))
		return &sink.Result{Locator: loc}, nil
	}

	total := int64(len(blob))
	body := s.opts.Throttle.Reader(ctx, sink.ProgressReader(bytes.NewReader(blob), 0, total, opts))

	resp, err := s.do(ctx, http.MethodPut, rel, body, total, nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return nil, s.statusError(http.MethodPut, rel, resp.StatusCode)
	}

	s.logger.Info("uploaded to webdav", slog.String("path", rel), slog.Int64("bytes", total))

	return &sink.Result{Locator: loc}, nil
}

// exists probes rel with a depth-0 PROPFIND.
func (s *Sink) exists(ctx context.Context, rel string) (bool, error) {
	resp, err := s.do(ctx, "PROPFIND", rel, http.NoBody, 0, http.Header{"Depth": {"0"}})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusMultiStatus, http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, s.statusError("PROPFIND", rel, resp.StatusCode)
	}
}

// mkdirAll creates every collection along dir. 405 means it already exists.
func (s *Sink) mkdirAll(ctx context.Context, dir string) error {
	var built string

	for _, seg := range strings.Split(dir, "/") {
		if seg == "" {
			continue
		}

		built = path.Join(built, seg)

		resp, err := s.do(ctx, "MKCOL", built+"/", http.NoBody, 0, nil)
		if err != nil {
			return err
		}
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated, http.StatusMethodNotAllowed:
		default:
			return s.statusError("MKCOL", built, resp.StatusCode)
		}
	}

	return nil
}

func (s *Sink) resolve(rel string) *url.URL {
	u := *s.base
	u.Path = s.base.Path + "/" + rel
	u.RawPath = ""
	u.User = nil

	return &u
}

func (s *Sink) do(ctx context.Context, method, rel string, body io.Reader, length int64, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.resolve(rel).String(), body)
	if err != nil {
		return nil, fmt.Errorf("webdav: creating %s request: %w", method, err)
	}

	for k, v := range header {
		req.Header[k] = v
	}

	if length > 0 {
		req.ContentLength = length
	}

	if s.opts.User != "" {
		req.SetBasicAuth(s.opts.User, s.opts.Password)
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webdav: %s %s: %w", method, rel, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}

	return resp, nil
}

func (s *Sink) statusError(method, rel string, status int) error {
	return &StatusError{Method: method, URL: s.resolve(rel).String(), Status: status}
}
