package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func sampleInfo() *Info {
	return &Info{
		Token: &oauth2.Token{
			AccessToken:  "access",
			TokenType:    "Bearer",
			RefreshToken: "refresh",
			Expiry:       time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		RevocableToken: "refresh",
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens", "gdrive.json")
	s := NewFileStore(path)
	ctx := context.Background()

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "missing file loads as nil")

	require.NoError(t, s.Save(ctx, sampleInfo()))

	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "access", got.Token.AccessToken)
	assert.Equal(t, "refresh", got.Token.RefreshToken)
	assert.True(t, got.Token.Expiry.Equal(sampleInfo().Token.Expiry))
	assert.Equal(t, "refresh", got.RevocableToken)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerms), fi.Mode().Perm())

	require.NoError(t, s.Remove(ctx))
	require.NoError(t, s.Remove(ctx), "removing twice is fine")

	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "token.json"))

	require.NoError(t, s.Save(context.Background(), sampleInfo()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "token.json", entries[0].Name())
}

func TestFileStore_InvalidContent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))

	_, err := NewFileStore(bad).Load(ctx)
	require.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"revocable_token":"x"}`), 0o600))

	_, err = NewFileStore(empty).Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token field")
}

func TestRedisStore_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client, "pagesave:test:token")
	ctx := context.Background()

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Save(ctx, sampleInfo()))
	assert.True(t, mr.Exists("pagesave:test:token"))

	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "access", got.Token.AccessToken)

	require.NoError(t, s.Remove(ctx))
	assert.False(t, mr.Exists("pagesave:test:token"))
}

func TestRedisStore_CorruptValue(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("k", "garbage"))

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, err := NewRedisStore(client, "k").Load(context.Background())
	require.Error(t, err)
}

func TestRedisStore_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	mr.Close()

	_, err := NewRedisStore(client, "k").Load(context.Background())
	require.Error(t, err)
}
