package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/tonimelisma/pagesave/internal/conflict"
)

// ExistsFunc reports whether name is taken at the destination.
type ExistsFunc func(ctx context.Context, name string) (bool, error)

// Target is where an upload should land.
type Target struct {
	Name      string
	Overwrite bool
	Skip      bool
}

// ResolveName applies a conflict action against a remote destination:
// uniquify picks the first free "name (N).ext", overwrite keeps the name,
// skip keeps an existing file untouched and prompt asks the user (an empty
// answer cancels). A prompted name that is itself taken is uniquified.
func ResolveName(ctx context.Context, name string, action conflict.Action, exists ExistsFunc, prompt PromptFunc) (Target, error) {
	check := func(n string) (bool, error) { return exists(ctx, n) }

	switch action {
	case conflict.ActionOverwrite:
		return Target{Name: name, Overwrite: true}, nil

	case conflict.ActionSkip:
		taken, err := check(name)
		if err != nil {
			return Target{}, err
		}

		return Target{Name: name, Skip: taken}, nil

	case conflict.ActionPrompt:
		taken, err := check(name)
		if err != nil {
			return Target{}, err
		}

		if !taken {
			return Target{Name: name}, nil
		}

		if prompt == nil {
			return Target{}, fmt.Errorf("sink: %q exists and no prompt is available", name)
		}

		answer, err := prompt(ctx, name)
		if err != nil {
			return Target{}, err
		}

		answer = strings.TrimSpace(answer)
		if answer == "" {
			return Target{}, ErrCancelled
		}

		name = answer

		fallthrough

	default:
		unique, err := conflict.UniqueName(name, check)
		if err != nil {
			return Target{}, err
		}

		return Target{Name: unique}, nil
	}
}
