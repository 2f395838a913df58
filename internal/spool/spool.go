// Package spool stages whole uploaded payloads on disk until the delivery
// that consumes them finishes. Each staged blob is addressed by an opaque
// URL and removed exactly once.
package spool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/google/uuid"
)

// Scheme prefixes every blob URL.
const Scheme = "blob:"

var (
	// ErrNotFound is returned for an unknown or already released blob URL.
	ErrNotFound = errors.New("spool: no such blob")
	// ErrTooLarge is returned when an upload exceeds the spool's size limit.
	ErrTooLarge = errors.New("spool: blob exceeds size limit")
)

// Spool is a directory of staged blobs. Safe for concurrent use.
type Spool struct {
	dir    string
	limit  int64
	logger *slog.Logger

	mu    gosync.Mutex
	blobs map[string]string
}

// New creates the spool directory. limit <= 0 disables the size check.
func New(dir string, limit int64, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: creating %s: %w", dir, err)
	}

	return &Spool{dir: dir, limit: limit, logger: logger, blobs: make(map[string]string)}, nil
}

// Create copies r into a new blob and returns its URL.
func (s *Spool) Create(r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.dir, "blob-*")
	if err != nil {
		return "", fmt.Errorf("spool: creating blob: %w", err)
	}

	src := r
	if s.limit > 0 {
		src = io.LimitReader(r, s.limit+1)
	}

	n, err := io.Copy(f, src)

	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err == nil && s.limit > 0 && n > s.limit {
		err = ErrTooLarge
	}

	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("spool: writing blob: %w", err)
	}

	url := Scheme + uuid.NewString()

	s.mu.Lock()
	s.blobs[url] = f.Name()
	s.mu.Unlock()

	s.logger.Debug("blob staged", slog.String("url", url), slog.Int64("bytes", n))

	return url, nil
}

// Open returns a reader over the blob. The caller closes it; the blob stays
// staged until Release.
func (s *Spool) Open(url string) (io.ReadCloser, error) {
	s.mu.Lock()
	name, ok := s.blobs[url]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}

	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("spool: opening blob: %w", err)
	}

	return f, nil
}

// Release removes the blob. Returns false when it was already released.
func (s *Spool) Release(url string) bool {
	s.mu.Lock()
	name, ok := s.blobs[url]
	delete(s.blobs, url)
	s.mu.Unlock()

	if !ok {
		return false
	}

	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing blob failed", slog.String("url", url), slog.String("error", err.Error()))
	}

	return true
}

// Releaser returns a func that releases url when called.
func (s *Spool) Releaser(url string) func() {
	return func() { s.Release(url) }
}

// Len returns the number of staged blobs.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.blobs)
}

// Clean releases every staged blob and removes leftovers from earlier runs.
func (s *Spool) Clean() {
	s.mu.Lock()
	urls := make([]string, 0, len(s.blobs))
	for u := range s.blobs {
		urls = append(urls, u)
	}
	s.mu.Unlock()

	for _, u := range urls {
		s.Release(u)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "blob-") {
			os.Remove(filepath.Join(s.dir, e.Name()))
		}
	}
}
