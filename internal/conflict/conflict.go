// Package conflict decides what happens when a delivery targets a filename
// that is already taken at the destination.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxUniqueSuffix bounds the "name (N).ext" candidates tried by UniqueName.
const maxUniqueSuffix = 1000

// Action is the requested filename conflict action.
type Action string

// Conflict actions.
const (
	ActionUniquify  Action = "uniquify"
	ActionSkip      Action = "skip"
	ActionOverwrite Action = "overwrite"
	ActionPrompt    Action = "prompt"
)

// ErrNoFreeName is returned when every numbered candidate is taken.
var ErrNoFreeName = errors.New("conflict: no free filename")

// ParseAction maps a wire/config string onto an Action. The empty string is
// the default, uniquify.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return ActionUniquify, nil
	case ActionUniquify, ActionSkip, ActionOverwrite, ActionPrompt:
		return a, nil
	default:
		return "", fmt.Errorf("conflict: unknown action %q", s)
	}
}

// Existing reports whether an output named name already exists at the
// destination. name is the NFC-normalized path relative to the destination
// root, as returned by NormalizePath.
type Existing interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// ExistingFunc adapts a function to Existing.
type ExistingFunc func(ctx context.Context, name string) (bool, error)

// Exists calls f.
func (f ExistingFunc) Exists(ctx context.Context, name string) (bool, error) {
	return f(ctx, name)
}

// Resolution is the outcome of Policy.Resolve.
type Resolution struct {
	Skip   bool
	Action Action
}

// Policy resolves conflict actions against a destination.
type Policy struct {
	existing Existing
	logger   *slog.Logger
}

// NewPolicy creates a Policy consulting existing.
func NewPolicy(existing Existing, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}

	return &Policy{existing: existing, logger: logger}
}

// Resolve applies the skip fallthrough rule: skip only holds when an output
// with the same relative path is already present, otherwise the delivery
// proceeds as uniquify. Every other action passes through unchanged; the sink performs the
// actual renaming or prompting.
func (p *Policy) Resolve(ctx context.Context, filename string, action Action) (Resolution, error) {
	if action != ActionSkip {
		return Resolution{Action: action}, nil
	}

	name := NormalizePath(filename)

	found, err := p.existing.Exists(ctx, name)
	if err != nil {
		return Resolution{}, fmt.Errorf("conflict: looking up %q: %w", name, err)
	}

	if found {
		p.logger.Info("skipping existing output", slog.String("name", name))
		return Resolution{Skip: true, Action: ActionSkip}, nil
	}

	return Resolution{Action: ActionUniquify}, nil
}

// Normalize returns the NFC form of the final component of p. Both separators
// are accepted so names coming from any producer compare equal.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return norm.NFC.String(path.Base(p))
}

// NormalizePath returns the NFC form of p as a destination-relative path:
// slash separated, without empty or "." components. Files with the same base
// name in different directories stay distinct.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")

	parts := make([]string, 0, strings.Count(p, "/")+1)

	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." {
			continue
		}

		parts = append(parts, seg)
	}

	return norm.NFC.String(strings.Join(parts, "/"))
}

// UniqueName returns name if it is free, otherwise the first free
// "stem (N).ext" candidate. Directory parts of name are preserved.
func UniqueName(name string, exists func(string) (bool, error)) (string, error) {
	taken, err := exists(name)
	if err != nil {
		return "", err
	}

	if !taken {
		return name, nil
	}

	stem, ext := splitExt(name)

	for i := 1; i <= maxUniqueSuffix; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)

		taken, err := exists(candidate)
		if err != nil {
			return "", err
		}

		if !taken {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %q after %d attempts", ErrNoFreeName, name, maxUniqueSuffix)
}

// splitExt splits name into stem and extension. Dotfiles without a further
// dot, like ".profile", have no extension.
func splitExt(name string) (stem, ext string) {
	base := filepath.Base(name)
	dir := name[:len(name)-len(base)]

	if strings.HasPrefix(base, ".") && strings.Count(base, ".") == 1 {
		return dir + base, ""
	}

	ext = filepath.Ext(base)

	return dir + base[:len(base)-len(ext)], ext
}

// EncodeSharp percent-encodes every '#' in p so the result can be used as a
// locator without the rest being read as a fragment.
//
// A second pass returns its input unchanged, but the transform is lossy: '%'
// is not escaped, so a name that already contains "%23" yields the same
// locator as one containing '#'. Apply it once, where the locator is built.
func EncodeSharp(p string) string {
	return strings.ReplaceAll(p, "#", "%23")
}
