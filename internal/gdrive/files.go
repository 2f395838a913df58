package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const folderMimeType = "application/vnd.google-apps.folder"

// File is the subset of Drive file metadata pagesave reads.
type File struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	MimeType    string   `json:"mimeType,omitempty"`
	Parents     []string `json:"parents,omitempty"`
	WebViewLink string   `json:"webViewLink,omitempty"`
}

type fileList struct {
	Files []File `json:"files"`
}

// quoteQuery escapes a string literal for a Drive search query.
func quoteQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

// Find returns the first non-trashed child of parentID called name, or nil.
// An empty parentID searches the root of My Drive.
func (c *Client) Find(ctx context.Context, token, parentID, name string, folder bool) (*File, error) {
	if parentID == "" {
		parentID = "root"
	}

	q := fmt.Sprintf("name = %s and %s in parents and trashed = false", quoteQuery(name), quoteQuery(parentID))
	if folder {
		q += " and mimeType = " + quoteQuery(folderMimeType)
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("fields", "files(id,name,mimeType,webViewLink)")
	params.Set("spaces", "drive")
	params.Set("pageSize", "1")

	resp, err := c.Do(ctx, &request{
		method: http.MethodGet,
		url:    c.baseURL + "/files?" + params.Encode(),
		token:  token,
	})
	if err != nil {
		return nil, fmt.Errorf("gdrive: searching for %q: %w", name, err)
	}
	defer resp.Body.Close()

	var list fileList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("gdrive: decoding file list: %w", err)
	}

	if len(list.Files) == 0 {
		return nil, nil //nolint:nilnil // nil file = not found
	}

	return &list.Files[0], nil
}

// CreateFolder creates a folder under parentID.
func (c *Client) CreateFolder(ctx context.Context, token, parentID, name string) (*File, error) {
	meta := File{Name: name, MimeType: folderMimeType}
	if parentID != "" {
		meta.Parents = []string{parentID}
	}

	body, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("gdrive: marshaling folder metadata: %w", err)
	}

	resp, err := c.Do(ctx, &request{
		method:      http.MethodPost,
		url:         c.baseURL + "/files?fields=id,name",
		token:       token,
		contentType: "application/json",
		body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating folder %q: %w", name, err)
	}
	defer resp.Body.Close()

	var f File
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("gdrive: decoding folder: %w", err)
	}

	c.logger.Info("created drive folder", slog.String("name", name), slog.String("id", f.ID))

	return &f, nil
}

// EnsureFolders walks a slash-separated folder path from the root, creating
// missing folders, and returns the id of the last one. An empty path returns
// "root".
func (c *Client) EnsureFolders(ctx context.Context, token, folderPath string) (string, error) {
	parent := "root"

	for _, name := range strings.Split(folderPath, "/") {
		if name == "" {
			continue
		}

		f, err := c.Find(ctx, token, parent, name, true)
		if err != nil {
			return "", err
		}

		if f == nil {
			f, err = c.CreateFolder(ctx, token, parent, name)
			if err != nil {
				return "", err
			}
		}

		parent = f.ID
	}

	return parent, nil
}
