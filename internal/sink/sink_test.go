package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pagesave/internal/conflict"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryGeneric},
		{"plain", errors.New("x"), CategoryGeneric},
		{"typed", NewError(CategoryInvalidToken, "401", nil), CategoryInvalidToken},
		{"wrapped", fmt.Errorf("gdrive: upload: %w", NewError(CategoryUnknownToken, "", nil)), CategoryUnknownToken},
		{"context", fmt.Errorf("put: %w", context.Canceled), CategoryCancelled},
		{"sentinel", ErrCancelled, CategoryCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestIsCancelled(t *testing.T) {
	assert.False(t, IsCancelled(nil))
	assert.True(t, IsCancelled(ErrCancelled))
	assert.True(t, IsCancelled(NewError(CategoryCancelled, "user aborted", nil)))
	assert.False(t, IsCancelled(NewError(CategoryGeneric, "boom", nil)))

	assert.ErrorIs(t, NewError(CategoryCancelled, "other message", nil), ErrCancelled)
	assert.NotErrorIs(t, NewError(CategoryGeneric, "upload cancelled", nil), ErrCancelled)
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "invalid_token", CategoryInvalidToken.String())
	assert.Equal(t, "unknown_token", CategoryUnknownToken.String())
	assert.Equal(t, "upload_cancelled", CategoryCancelled.String())
	assert.Equal(t, "generic", CategoryGeneric.String())
}

func TestAnnotate(t *testing.T) {
	assert.NoError(t, Annotate(nil, "webdav"))

	plain := Annotate(errors.New("connection refused"), "webdav")
	assert.EqualError(t, plain, "connection refused (webdav)")
	assert.Equal(t, CategoryGeneric, CategoryOf(plain))

	typed := Annotate(NewError(CategoryInvalidToken, "token expired", nil), "Google Drive")
	assert.EqualError(t, typed, "token expired (Google Drive)")
	assert.Equal(t, CategoryInvalidToken, CategoryOf(typed))

	inner := NewError(CategoryGeneric, "409", nil)
	wrapped := Annotate(fmt.Errorf("github: put: %w", inner), "GitHub")
	assert.EqualError(t, wrapped, "github: put: 409 (GitHub)")
	assert.ErrorIs(t, wrapped, inner)

	// Already annotated: unchanged, never doubled.
	assert.Equal(t, typed, Annotate(typed, "other"))
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("EOF")
	assert.EqualError(t, NewError(CategoryGeneric, "reading response", cause), "reading response: EOF")
	assert.EqualError(t, NewError(CategoryUnknownToken, "", nil), "unknown_token")
	assert.ErrorIs(t, NewError(CategoryGeneric, "x", cause), cause)
}

func existsIn(names ...string) ExistsFunc {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}

	return func(_ context.Context, name string) (bool, error) { return set[name], nil }
}

func TestResolveName(t *testing.T) {
	ctx := context.Background()
	exists := existsIn("page.html", "page (1).html", "other.html")

	got, err := ResolveName(ctx, "page.html", conflict.ActionUniquify, exists, nil)
	require.NoError(t, err)
	assert.Equal(t, Target{Name: "page (2).html"}, got)

	got, err = ResolveName(ctx, "page.html", conflict.ActionOverwrite, exists, nil)
	require.NoError(t, err)
	assert.Equal(t, Target{Name: "page.html", Overwrite: true}, got)

	got, err = ResolveName(ctx, "page.html", conflict.ActionSkip, exists, nil)
	require.NoError(t, err)
	assert.True(t, got.Skip)

	got, err = ResolveName(ctx, "new.html", conflict.ActionSkip, exists, nil)
	require.NoError(t, err)
	assert.Equal(t, Target{Name: "new.html"}, got)
}

func TestResolveName_Prompt(t *testing.T) {
	ctx := context.Background()
	exists := existsIn("page.html", "other.html")

	var asked []string

	prompt := func(_ context.Context, name string) (string, error) {
		asked = append(asked, name)
		return "other.html", nil
	}

	// Free name: no prompt.
	got, err := ResolveName(ctx, "free.html", conflict.ActionPrompt, exists, prompt)
	require.NoError(t, err)
	assert.Equal(t, "free.html", got.Name)
	assert.Empty(t, asked)

	// Taken name: prompt, and the answer is uniquified when taken too.
	got, err = ResolveName(ctx, "page.html", conflict.ActionPrompt, exists, prompt)
	require.NoError(t, err)
	assert.Equal(t, "other (1).html", got.Name)
	assert.Equal(t, []string{"page.html"}, asked)

	// Declined prompt cancels.
	_, err = ResolveName(ctx, "page.html", conflict.ActionPrompt, exists,
		func(context.Context, string) (string, error) { return " ", nil })
	assert.True(t, IsCancelled(err))

	// No prompt available.
	_, err = ResolveName(ctx, "page.html", conflict.ActionPrompt, exists, nil)
	require.Error(t, err)
}

func TestAborter(t *testing.T) {
	var a Aborter

	a.Abort() // nothing in flight: no-op besides recording
	assert.True(t, a.Aborted())

	ctx, release := a.Begin(context.Background())
	defer release()

	assert.Error(t, ctx.Err(), "abort before begin cancels the upload")
}

func TestAborter_AbortInFlight(t *testing.T) {
	var a Aborter

	ctx, release := a.Begin(context.Background())
	require.NoError(t, ctx.Err())

	a.Abort()
	a.Abort()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	release()
	a.Abort()
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(context.Background(), nil))

	boom := errors.New("boom")
	assert.Equal(t, boom, Check(context.Background(), boom))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Check(ctx, boom)
	assert.True(t, IsCancelled(err))
	assert.ErrorIs(t, err, boom)
}

func TestNewThrottle(t *testing.T) {
	th, err := NewThrottle("0", slog.Default())
	require.NoError(t, err)
	assert.Nil(t, th)

	r := bytes.NewReader([]byte("x"))
	assert.Same(t, r, th.Reader(context.Background(), r))

	_, err = NewThrottle("lots", slog.Default())
	require.Error(t, err)
}

func TestThrottle_LimitsThroughput(t *testing.T) {
	th, err := NewThrottle("1KB/s", slog.Default())
	require.NoError(t, err)

	// Burst covers 2000 bytes; the next 1000 need about a second.
	data := bytes.Repeat([]byte("a"), 3000)

	start := time.Now()
	got, err := io.ReadAll(th.Reader(context.Background(), bytes.NewReader(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestThrottle_ContextCancel(t *testing.T) {
	th, err := NewThrottle("1KB/s", slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = io.ReadAll(th.Reader(ctx, bytes.NewReader(bytes.Repeat([]byte("a"), 5000))))
	require.Error(t, err)
}

func TestThrottle_Wait(t *testing.T) {
	var unlimited *Throttle
	require.NoError(t, unlimited.Wait(context.Background(), 1<<30))

	th, err := NewThrottle("1KB/s", slog.Default())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, th.Wait(context.Background(), 3000))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestProgressReader(t *testing.T) {
	var reports [][2]int64

	opts := UploadOptions{Progress: func(sent, total int64) { reports = append(reports, [2]int64{sent, total}) }}

	r := ProgressReader(bytes.NewReader([]byte("hello")), 10, 15, opts)
	_, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	assert.Equal(t, [2]int64{15, 15}, reports[len(reports)-1])

	plain := bytes.NewReader(nil)
	assert.Same(t, plain, ProgressReader(plain, 0, 0, UploadOptions{}))
}
