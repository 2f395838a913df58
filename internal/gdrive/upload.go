package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// statusResumeIncomplete is what Drive answers for every chunk but the last.
const statusResumeIncomplete = 308

// cancelTimeout bounds the best-effort DELETE of an abandoned session.
const cancelTimeout = 10 * time.Second

// ErrSessionExpired is returned when Drive no longer knows the upload session.
var ErrSessionExpired = errors.New("gdrive: upload session expired")

// UploadSession is a resumable upload in progress.
type UploadSession struct {
	URL   string
	Total int64
}

// CreateUploadSession starts a resumable upload of total bytes. With an
// existingID the upload replaces that file's content; otherwise a new file
// named name is created under parentID.
func (c *Client) CreateUploadSession(ctx context.Context, token, parentID, name, existingID string, total int64) (*UploadSession, error) {
	meta := File{Name: name}

	method := http.MethodPost
	target := c.uploadURL + "/files"

	if existingID != "" {
		method = http.MethodPatch
		target += "/" + url.PathEscape(existingID)
	} else if parentID != "" {
		meta.Parents = []string{parentID}
	}

	body, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("gdrive: marshaling upload metadata: %w", err)
	}

	header := http.Header{}
	header.Set("X-Upload-Content-Length", strconv.FormatInt(total, 10))

	resp, err := c.Do(ctx, &request{
		method:      method,
		url:         target + "?uploadType=resumable&fields=id,name,webViewLink",
		token:       token,
		contentType: "application/json; charset=UTF-8",
		body:        body,
		header:      header,
	})
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating upload session for %q: %w", name, err)
	}
	resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, fmt.Errorf("gdrive: upload session for %q has no Location header", name)
	}

	c.logger.Debug("created upload session",
		slog.String("name", name),
		slog.Int64("total", total),
	)

	return &UploadSession{URL: location, Total: total}, nil
}

// UploadChunk sends bytes [offset, offset+length) of the session's content.
// It returns the file metadata once the final chunk is accepted and nil for
// intermediate chunks. Chunks are not retried: the reader cannot be rewound.
func (c *Client) UploadChunk(ctx context.Context, token string, s *UploadSession, chunk io.Reader, offset, length int64) (*File, error) {
	if length == 0 {
		chunk = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.URL, chunk)
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating chunk request: %w", err)
	}

	req.ContentLength = length
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	if s.Total == 0 {
		req.Header.Set("Content-Range", "bytes */0")
	} else {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, s.Total))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gdrive: chunk upload failed: %w", err)
	}
	defer resp.Body.Close()

	return c.handleChunkResponse(resp, offset, length)
}

func (c *Client) handleChunkResponse(resp *http.Response, offset, length int64) (*File, error) {
	switch resp.StatusCode {
	case statusResumeIncomplete:
		c.logger.Debug("chunk accepted",
			slog.Int64("offset", offset),
			slog.Int64("length", length),
		)

		return nil, nil //nolint:nilnil // nil file = more chunks expected

	case http.StatusOK, http.StatusCreated:
		var f File
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			return nil, fmt.Errorf("gdrive: decoding upload result: %w", err)
		}

		return &f, nil

	case http.StatusNotFound, http.StatusGone:
		return nil, ErrSessionExpired

	default:
		errBody, _ := io.ReadAll(resp.Body)

		return nil, statusError(newAPIError(resp.StatusCode, errBody))
	}
}

// CancelUploadSession discards a resumable session. Drive answers 499 for a
// cancelled session; any non-5xx answer counts as done.
func (c *Client) CancelUploadSession(ctx context.Context, token string, s *UploadSession) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.URL, http.NoBody)
	if err != nil {
		return fmt.Errorf("gdrive: creating cancel request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gdrive: cancelling upload session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("gdrive: cancelling upload session: HTTP %d", resp.StatusCode)
	}

	return nil
}
