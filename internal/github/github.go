// Package github is the repository sink: artifacts are committed through the
// GitHub contents API. The commit itself is deferred to Result.Pending so the
// delivery can report the final location before the push completes.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
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
const Name = "GitHub"

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

// ErrNotFound is returned for a missing repository or branch.
var ErrNotFound = errors.New("github: not found")

// APIError is a non-success answer from the contents API.
type APIError struct {
	StatusCode int
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// Options configures a GitHub sink.
type Options struct {
	Token  string
	Owner  string
	Repo   string
	Branch string
	Folder string
	APIURL string
	// Message is the commit message; "{filename}" is replaced by the path.
	Message    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Sink commits artifacts to a repository. One Sink serves one delivery.
type Sink struct {
	opts    Options
	logger  *slog.Logger
	aborter sink.Aborter
}

var _ sink.Sink = (*Sink)(nil)

// New creates a GitHub sink.
func New(opts Options) (*Sink, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, errors.New("github: owner and repo are required")
	}

	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}

	opts.APIURL = strings.TrimSuffix(opts.APIURL, "/")

	if opts.Branch == "" {
		opts.Branch = "main"
	}

	if opts.Message == "" {
		opts.Message = "Add {filename}"
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
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

// Upload resolves the target path and returns a Result whose Pending commits
// the file.
func (s *Sink) Upload(ctx context.Context, filename string, blob []byte, opts sink.UploadOptions) (*sink.Result, error) {
	ctx, release := s.aborter.Begin(ctx)
	defer release()

	dir, base := path.Split(strings.ReplaceAll(filename, `\`, "/"))
	base = conflict.Normalize(base)
	dir = path.Join(s.opts.Folder, dir)

	exists := func(ctx context.Context, name string) (bool, error) {
		sha, err := s.lookup(ctx, path.Join(dir, name))
		return sha != "", err
	}

	target, err := sink.ResolveName(ctx, base, opts.ConflictAction, exists, opts.Prompt)
	if err != nil {
		return nil, sink.Annotate(sink.Check(ctx, err), Name)
	}

	repoPath := path.Join(dir, target.Name)
	res := &sink.Result{Locator: s.webURL(repoPath)}

	if target.Skip {
		s.logger.Info("file exists, skipping commit", slog.String("path", repoPath))
		return res, nil
	}

	res.Pending = func(ctx context.Context) error {
		ctx, release := s.aborter.Begin(ctx)
		defer release()

		if err := s.commit(ctx, repoPath, blob, target.Overwrite, opts); err != nil {
			return sink.Annotate(sink.Check(ctx, err), Name)
		}

		return nil
	}

	return res, nil
}

// commit writes repoPath. Overwriting needs the current blob sha.
func (s *Sink) commit(ctx context.Context, repoPath string, blob []byte, overwrite bool, opts sink.UploadOptions) error {
	body := map[string]string{
		"message": strings.ReplaceAll(s.opts.Message, "{filename}", repoPath),
		"content": base64.StdEncoding.EncodeToString(blob),
		"branch":  s.opts.Branch,
	}

	if overwrite {
		sha, err := s.lookup(ctx, repoPath)
		if err != nil {
			return err
		}

		if sha != "" {
			body["sha"] = sha
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("github: marshaling commit: %w", err)
	}

	total := int64(len(blob))
	opts.Report(0, total)

	resp, err := s.do(ctx, http.MethodPut, s.contentsURL(repoPath), payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return s.apiError(resp)
	}

	opts.Report(total, total)
	s.logger.Info("committed to github",
		slog.String("repo", s.opts.Owner+"/"+s.opts.Repo),
		slog.String("path", repoPath),
		slog.Int64("bytes", total),
	)

	return nil
}

// lookup returns the blob sha of repoPath on the branch, or "" when absent.
func (s *Sink) lookup(ctx context.Context, repoPath string) (string, error) {
	resp, err := s.do(ctx, http.MethodGet, s.contentsURL(repoPath)+"?ref="+url.QueryEscape(s.opts.Branch), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var meta struct {
			SHA string `json:"sha"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
			return "", fmt.Errorf("github: decoding contents: %w", err)
		}

		return meta.SHA, nil
	case http.StatusNotFound:
		return "", nil
	default:
		return "", s.apiError(resp)
	}
}

func (s *Sink) do(ctx context.Context, method, target string, payload []byte) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", method, target, err)
	}

	return resp, nil
}

func (s *Sink) apiError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	_ = json.NewDecoder(resp.Body).Decode(apiErr)

	if resp.StatusCode == http.StatusUnauthorized {
		return sink.NewError(sink.CategoryInvalidToken, "github token rejected", apiErr)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s/%s@%s: %w", ErrNotFound, s.opts.Owner, s.opts.Repo, s.opts.Branch, apiErr)
	}

	return apiErr
}

func (s *Sink) contentsURL(repoPath string) string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		s.opts.APIURL, url.PathEscape(s.opts.Owner), url.PathEscape(s.opts.Repo), escapePath(repoPath))
}

// webURL is the browser URL of repoPath. Enterprise API URLs end in /api/v3.
func (s *Sink) webURL(repoPath string) string {
	web := "https://github.com"
	if s.opts.APIURL != DefaultAPIURL {
		web = strings.TrimSuffix(s.opts.APIURL, "/api/v3")
	}

	return fmt.Sprintf("%s/%s/%s/blob/%s/%s", web, s.opts.Owner, s.opts.Repo, escapePath(s.opts.Branch), escapePath(repoPath))
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}

	return strings.Join(segs, "/")
}
