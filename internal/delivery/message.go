package delivery

import (
	"errors"
	"fmt"

	"github.com/tonimelisma/pagesave/internal/conflict"
)

// ErrBadMessage is returned for a reconstructed value that is not a usable
// delivery request.
var ErrBadMessage = errors.New("delivery: malformed download message")

// SinkKind names a delivery destination.
type SinkKind int

// Destinations. Exactly one is chosen per delivery.
const (
	SinkLocal SinkKind = iota
	SinkForeground
	SinkEditor
	SinkWebDAV
	SinkGDrive
	SinkGitHub
	SinkS3
)

func (k SinkKind) String() string {
	switch k {
	case SinkLocal:
		return "local"
	case SinkForeground:
		return "foreground"
	case SinkEditor:
		return "editor"
	case SinkWebDAV:
		return "webdav"
	case SinkGDrive:
		return "gdrive"
	case SinkGitHub:
		return "github"
	case SinkS3:
		return "s3"
	default:
		return fmt.Sprintf("sink(%d)", int(k))
	}
}

// Artifact is a reconstructed page ready for delivery.
type Artifact struct {
	Filename string
	TaskID   string
	URL      string
	Content  []byte
	// Fields holds every field of the message, for packagers.
	Fields map[string]any
}

// Request is what the producer asked for.
type Request struct {
	Background      bool
	OpenEditor      bool
	SaveWithWebDAV  bool
	SaveToGDrive    bool
	SaveToGitHub    bool
	SaveToS3        bool
	ForceAuth       bool
	ConfirmFilename bool
	ConflictAction  conflict.Action
	BookmarkID      string
	// ReplaceBookmarkURL points the bookmark at the saved copy on success.
	ReplaceBookmarkURL bool
}

// Choice picks the single destination honoured for the request: the editor
// first, then WebDAV, Google Drive, GitHub and S3, else a local save for
// background requests and a hand-back to the producer otherwise.
func (r *Request) Choice() SinkKind {
	switch {
	case r.OpenEditor:
		return SinkEditor
	case r.SaveWithWebDAV:
		return SinkWebDAV
	case r.SaveToGDrive:
		return SinkGDrive
	case r.SaveToGitHub:
		return SinkGitHub
	case r.SaveToS3:
		return SinkS3
	case r.Background:
		return SinkLocal
	default:
		return SinkForeground
	}
}

// ParseMessage converts a reconstructed download message into an Artifact
// and Request. The page body is read from "content", or from
// "pageData.content" when the producer nests it.
func ParseMessage(v any) (*Artifact, *Request, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: expected a map, got %T", ErrBadMessage, v)
	}

	a := &Artifact{
		Filename: str(m, "filename"),
		TaskID:   str(m, "taskId"),
		URL:      str(m, "url"),
		Fields:   m,
	}

	content, found := m["content"]
	if pd, ok := m["pageData"].(map[string]any); ok {
		if !found {
			content, found = pd["content"]
		}

		if a.URL == "" {
			a.URL = str(pd, "url")
		}

		if a.Filename == "" {
			a.Filename = str(pd, "filename")
		}
	}

	if !found {
		return nil, nil, fmt.Errorf("%w: no content", ErrBadMessage)
	}

	switch c := content.(type) {
	case []byte:
		a.Content = c
	case string:
		a.Content = []byte(c)
	case nil:
		a.Content = []byte{}
	default:
		return nil, nil, fmt.Errorf("%w: content is %T", ErrBadMessage, content)
	}

	if a.Filename == "" {
		return nil, nil, fmt.Errorf("%w: no filename", ErrBadMessage)
	}

	action, err := conflict.ParseAction(str(m, "filenameConflictAction"))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}

	r := &Request{
		Background:         flag(m, "backgroundSave"),
		OpenEditor:         flag(m, "openEditor"),
		SaveWithWebDAV:     flag(m, "saveWithWebDAV"),
		SaveToGDrive:       flag(m, "saveToGDrive"),
		SaveToGitHub:       flag(m, "saveToGitHub"),
		SaveToS3:           flag(m, "saveToS3"),
		ForceAuth:          flag(m, "forceWebAuthFlow"),
		ConfirmFilename:    flag(m, "confirmFilename"),
		ConflictAction:     action,
		BookmarkID:         str(m, "bookmarkId"),
		ReplaceBookmarkURL: flag(m, "replaceBookmarkURL"),
	}

	if _, set := m["filenameConflictAction"]; !set {
		r.ConflictAction = ""
	}

	return a, r, nil
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return fmt.Sprint(v)
	case uint64:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

func flag(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
