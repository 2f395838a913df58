package sink

import (
	"context"
	"errors"
	"fmt"
)

// Category is the machine-checkable class of a sink failure.
type Category int

// Failure categories.
const (
	CategoryGeneric Category = iota
	CategoryInvalidToken
	CategoryUnknownToken
	CategoryCancelled
)

func (c Category) String() string {
	switch c {
	case CategoryInvalidToken:
		return "invalid_token"
	case CategoryUnknownToken:
		return "unknown_token"
	case CategoryCancelled:
		return "upload_cancelled"
	default:
		return "generic"
	}
}

// Error is a categorized sink failure. Sink, when set, names the destination
// and is appended to the message so users can tell which one failed.
type Error struct {
	Category Category
	Sink     string
	Msg      string
	Err      error
}

// NewError creates a categorized error.
func NewError(cat Category, msg string, err error) *Error {
	return &Error{Category: cat, Msg: msg, Err: err}
}

// ErrCancelled is the canonical cancellation failure.
var ErrCancelled = &Error{Category: CategoryCancelled, Msg: "upload cancelled"}

func (e *Error) Error() string {
	msg := e.Msg

	switch {
	case msg == "" && e.Err != nil:
		msg = e.Err.Error()
	case msg == "":
		msg = e.Category.String()
	case e.Err != nil:
		msg = msg + ": " + e.Err.Error()
	}

	if e.Sink != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Sink)
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrCancelled) hold for every cancellation,
// whatever its message.
func (e *Error) Is(target error) bool {
	return target == ErrCancelled && e.Category == CategoryCancelled //nolint:errorlint // sentinel identity
}

// CategoryOf classifies err. Context cancellation counts as CategoryCancelled.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryGeneric
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}

	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}

	return CategoryGeneric
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return err != nil && CategoryOf(err) == CategoryCancelled
}

// Annotate attaches the sink name to err, keeping its category. An error
// already naming a sink is returned unchanged.
func Annotate(err error, name string) error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		if se.Sink != "" {
			return err
		}

		cp := *se
		cp.Sink = name

		if se == err { //nolint:errorlint // identity check, not classification
			return &cp
		}

		return &Error{Category: se.Category, Sink: name, Err: err}
	}

	return &Error{Category: CategoryOf(err), Sink: name, Err: err}
}
