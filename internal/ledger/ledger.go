// Package ledger is the SQLite record of delivered outputs, known bookmarks
// and queued URLs. It backs the skip check for local saves, bookmark URL
// replacement and the history command.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/tonimelisma/pagesave/internal/conflict"
)

// ErrBookmarkNotFound is returned when updating an unknown bookmark.
var ErrBookmarkNotFound = errors.New("ledger: bookmark not found")

// Download is one delivered output.
type Download struct {
	ID     int64  `json:"id"`
	TaskID string `json:"task_id"`
	Sink   string `json:"sink"`
	// Filename is relative to the sink's destination root.
	Filename string `json:"filename"`
	// Path is the local file path; empty for remote sinks.
	Path    string    `json:"path,omitempty"`
	Locator string    `json:"locator,omitempty"`
	Size    int64     `json:"size"`
	SavedAt time.Time `json:"saved_at"`
}

// Bookmark is a bookmark whose URL may be replaced by a saved locator.
type Bookmark struct {
	ID        string
	URL       string
	Title     string
	UpdatedAt time.Time
}

// Ledger wraps the database. Safe for concurrent use; writes are serialized
// by a single connection.
type Ledger struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
	schema  int64
}

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	schema, err := migrate(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("ledger opened", slog.String("db_path", dbPath), slog.Int64("schema", schema))

	return &Ledger{db: db, logger: logger, nowFunc: time.Now, schema: schema}, nil
}

// SchemaVersion is the migration version the database is at.
func (l *Ledger) SchemaVersion() int64 {
	return l.schema
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordDownload appends d. A zero SavedAt is stamped with the current time.
func (l *Ledger) RecordDownload(ctx context.Context, d *Download) error {
	if d.SavedAt.IsZero() {
		d.SavedAt = l.nowFunc()
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO downloads (task_id, sink, filename, path, locator, size, saved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.TaskID, d.Sink, conflict.NormalizePath(d.Filename), d.Path, d.Locator, d.Size, d.SavedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: recording download %s: %w", d.Filename, err)
	}

	d.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("ledger: reading download id: %w", err)
	}

	return nil
}

// History returns the newest downloads first. limit <= 0 returns all.
func (l *Ledger) History(ctx context.Context, limit int) ([]Download, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, task_id, sink, filename, path, locator, size, saved_at
			FROM downloads ORDER BY saved_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying history: %w", err)
	}
	defer rows.Close()

	var out []Download

	for rows.Next() {
		var (
			d       Download
			savedAt int64
		)

		if err := rows.Scan(&d.ID, &d.TaskID, &d.Sink, &d.Filename, &d.Path, &d.Locator, &d.Size, &savedAt); err != nil {
			return nil, fmt.Errorf("ledger: scanning history: %w", err)
		}

		d.SavedAt = time.Unix(0, savedAt)
		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating history: %w", err)
	}

	return out, nil
}

// Exists reports whether a previous local save at the relative path name
// (compared after conflict.NormalizePath) is still on disk. It makes the
// ledger a conflict.Existing.
func (l *Ledger) Exists(ctx context.Context, name string) (bool, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT path FROM downloads WHERE filename = ? AND path != ''`, conflict.NormalizePath(name))
	if err != nil {
		return false, fmt.Errorf("ledger: looking up %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return false, fmt.Errorf("ledger: scanning path: %w", err)
		}

		if _, err := os.Stat(p); err == nil {
			return true, nil
		}
	}

	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("ledger: iterating paths: %w", err)
	}

	return false, nil
}

// PutBookmark inserts or replaces a bookmark.
func (l *Ledger) PutBookmark(ctx context.Context, b *Bookmark) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = l.nowFunc()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO bookmarks (id, url, title, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET url = excluded.url, title = excluded.title, updated_at = excluded.updated_at`,
		b.ID, b.URL, b.Title, b.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: storing bookmark %s: %w", b.ID, err)
	}

	return nil
}

// Bookmark returns the bookmark with id, or ErrBookmarkNotFound.
func (l *Ledger) Bookmark(ctx context.Context, id string) (*Bookmark, error) {
	var (
		b         Bookmark
		updatedAt int64
	)

	err := l.db.QueryRowContext(ctx,
		`SELECT id, url, title, updated_at FROM bookmarks WHERE id = ?`, id,
	).Scan(&b.ID, &b.URL, &b.Title, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookmarkNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("ledger: reading bookmark %s: %w", id, err)
	}

	b.UpdatedAt = time.Unix(0, updatedAt)

	return &b, nil
}

// UpdateBookmarkURL points bookmark id at url.
func (l *Ledger) UpdateBookmarkURL(ctx context.Context, id, url string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE bookmarks SET url = ?, updated_at = ? WHERE id = ?`, url, l.nowFunc().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("ledger: updating bookmark %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: updating bookmark %s: %w", id, err)
	}

	if n == 0 {
		return ErrBookmarkNotFound
	}

	return nil
}

// QueueURLs records urls for a later save, ignoring ones already queued.
// Returns the number newly queued.
func (l *Ledger) QueueURLs(ctx context.Context, urls []string) (int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin queue: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO saved_urls (url, queued_at) VALUES (?, ?) ON CONFLICT(url) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("ledger: prepare queue: %w", err)
	}
	defer stmt.Close()

	now := l.nowFunc().UnixNano()
	added := 0

	for _, u := range urls {
		if u == "" {
			continue
		}

		res, err := stmt.ExecContext(ctx, u, now)
		if err != nil {
			return 0, fmt.Errorf("ledger: queueing %s: %w", u, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("ledger: queueing %s: %w", u, err)
		}

		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger: commit queue: %w", err)
	}

	return added, nil
}

// PendingURLs returns queued URLs not yet marked done, oldest first.
func (l *Ledger) PendingURLs(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT url FROM saved_urls WHERE done_at IS NULL ORDER BY queued_at, url`)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying queued urls: %w", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("ledger: scanning url: %w", err)
		}

		out = append(out, u)
	}

	return out, rows.Err()
}

// MarkURLDone marks a queued URL as saved.
func (l *Ledger) MarkURLDone(ctx context.Context, url string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE saved_urls SET done_at = ? WHERE url = ?`, l.nowFunc().UnixNano(), url)
	if err != nil {
		return fmt.Errorf("ledger: marking %s done: %w", url, err)
	}

	return nil
}
