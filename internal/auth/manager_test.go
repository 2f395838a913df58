package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/pagesave/internal/sink"
)

// memStore is an in-memory Store.
type memStore struct {
	mu      gosync.Mutex
	info    *Info
	saves   int
	removes int
}

func (s *memStore) Load(context.Context) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.info, nil
}

func (s *memStore) Save(_ context.Context, info *Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.info = info
	s.saves++

	return nil
}

func (s *memStore) Remove(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.info = nil
	s.removes++

	return nil
}

// fakeAuthorizer hands out numbered tokens.
type fakeAuthorizer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeAuthorizer) Authorize(context.Context, *oauth2.Config) (*oauth2.Token, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}

	return &oauth2.Token{
		AccessToken:  "authorized-" + string(rune('0'+n)),
		RefreshToken: "refresh-authorized",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

// tokenServer is a mock token endpoint. handler nil returns a fresh token.
func tokenServer(t *testing.T, hits *atomic.Int32, handler http.HandlerFunc) *oauth2.Config {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)

		if handler != nil {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"refreshed","token_type":"Bearer","expires_in":3600}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := GoogleConfig("client", "secret")
	cfg.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}

	return cfg
}

func invalidGrant(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
}

func storedInfo(access string) *Info {
	return &Info{
		Token: &oauth2.Token{
			AccessToken:  access,
			RefreshToken: "refresh-1",
			Expiry:       time.Now().Add(time.Hour),
		},
		RevocableToken: "refresh-1",
	}
}

var errInvalidToken = sink.NewError(sink.CategoryInvalidToken, "401 Unauthorized", nil)

func TestDo_AuthorizesWhenNoToken(t *testing.T) {
	var hits atomic.Int32

	store := &memStore{}
	authz := &fakeAuthorizer{}
	m := NewManager(tokenServer(t, &hits, nil), store, authz, slog.Default())

	assert.Equal(t, StateNoToken, m.State())

	var used string

	err := m.Do(context.Background(), Options{}, func(_ context.Context, tok string) error {
		used = tok
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "authorized-1", used)
	assert.Equal(t, StateValid, m.State())
	assert.Equal(t, int32(1), authz.calls.Load())
	require.NotNil(t, store.info)
	assert.Equal(t, "refresh-authorized", store.info.RevocableToken)
}

func TestDo_NonInteractiveWithoutToken(t *testing.T) {
	var hits atomic.Int32

	m := NewManager(tokenServer(t, &hits, nil), &memStore{}, &fakeAuthorizer{}, slog.Default())

	called := false
	err := m.Do(context.Background(), Options{NonInteractive: true}, func(context.Context, string) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrNotLoggedIn)
	assert.False(t, called)
}

func TestDo_UsesStoredToken(t *testing.T) {
	var hits atomic.Int32

	store := &memStore{info: storedInfo("stored")}
	authz := &fakeAuthorizer{}
	m := NewManager(tokenServer(t, &hits, nil), store, authz, slog.Default())

	err := m.Do(context.Background(), Options{}, func(_ context.Context, tok string) error {
		assert.Equal(t, "stored", tok)
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, authz.calls.Load())
	assert.Zero(t, hits.Load())
}

func TestDo_RefreshesAndRetriesOnce(t *testing.T) {
	var hits atomic.Int32

	store := &memStore{info: storedInfo("stale")}
	m := NewManager(tokenServer(t, &hits, nil), store, &fakeAuthorizer{}, slog.Default())

	var tokens []string

	err := m.Do(context.Background(), Options{}, func(_ context.Context, tok string) error {
		tokens = append(tokens, tok)
		if tok == "stale" {
			return errInvalidToken
		}

		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"stale", "refreshed"}, tokens)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, StateValid, m.State())

	// The refresh token is kept when the response omits it.
	assert.Equal(t, "refreshed", store.info.Token.AccessToken)
	assert.Equal(t, "refresh-1", store.info.Token.RefreshToken)
	assert.Equal(t, "refresh-1", store.info.RevocableToken)
}

func TestDo_RetryBound(t *testing.T) {
	var hits atomic.Int32

	store := &memStore{info: storedInfo("stale")}
	authz := &fakeAuthorizer{}
	m := NewManager(tokenServer(t, &hits, nil), store, authz, slog.Default())

	calls := 0

	err := m.Do(context.Background(), Options{}, func(context.Context, string) error {
		calls++
		return errInvalidToken
	})
	require.Error(t, err)

	assert.Equal(t, 2, calls, "exactly one retry")
	assert.Equal(t, int32(1), hits.Load(), "exactly one refresh")
	assert.Zero(t, authz.calls.Load())
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, sink.CategoryInvalidToken, sink.CategoryOf(err))
}

func TestDo_UnknownTokenForcesReauthorization(t *testing.T) {
	var hits atomic.Int32

	store := &memStore{info: storedInfo("stale")}
	authz := &fakeAuthorizer{}
	m := NewManager(tokenServer(t, &hits, invalidGrant), store, authz, slog.Default())

	var tokens []string

	err := m.Do(context.Background(), Options{}, func(_ context.Context, tok string) error {
		tokens = append(tokens, tok)
		if tok == "stale" {
			return errInvalidToken
		}

		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"stale", "authorized-1"}, tokens)
	assert.Equal(t, int32(1), authz.calls.Load())
	assert.Equal(t, "authorized-1", store.info.Token.AccessToken)
	assert.Equal(t, StateValid, m.State())
}

func TestDo_UnknownTokenWithoutAuthorizer(t *testing.T) {
	var hits atomic.Int32

	m := NewManager(tokenServer(t, &hits, invalidGrant), &memStore{info: storedInfo("stale")}, nil, slog.Default())

	err := m.Do(context.Background(), Options{}, func(context.Context, string) error {
		return errInvalidToken
	})
	require.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestDo_RefreshFailureIsNotRetried(t *testing.T) {
	var hits atomic.Int32

	cfg := tokenServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	authz := &fakeAuthorizer{}
	m := NewManager(cfg, &memStore{info: storedInfo("stale")}, authz, slog.Default())

	calls := 0

	err := m.Do(context.Background(), Options{}, func(context.Context, string) error {
		calls++
		return errInvalidToken
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refreshing token")
	assert.Equal(t, 1, calls)
	assert.Zero(t, authz.calls.Load())
	assert.Equal(t, StateFailed, m.State())
}

func TestDo_OtherErrorsPropagate(t *testing.T) {
	var hits atomic.Int32

	m := NewManager(tokenServer(t, &hits, nil), &memStore{info: storedInfo("ok")}, nil, slog.Default())

	boom := sink.NewError(sink.CategoryGeneric, "quota exceeded", nil)
	calls := 0

	err := m.Do(context.Background(), Options{}, func(context.Context, string) error {
		calls++
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, hits.Load())
}

func TestDo_AuthorizationFailureClearsStore(t *testing.T) {
	var hits atomic.Int32

	store := &memStore{info: storedInfo("old")}
	authz := &fakeAuthorizer{err: errors.New("user closed the window")}
	m := NewManager(tokenServer(t, &hits, nil), store, authz, slog.Default())

	err := m.Do(context.Background(), Options{ForceAuth: true}, func(context.Context, string) error {
		t.Fatal("op must not run")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user closed the window")
	assert.Nil(t, store.info)
	assert.Equal(t, 1, store.removes)
	assert.Equal(t, StateFailed, m.State())
}

func TestDo_ExpiredTokenRefreshedUpFront(t *testing.T) {
	var hits atomic.Int32

	info := storedInfo("expired")
	info.Token.Expiry = time.Now().Add(-time.Hour)

	m := NewManager(tokenServer(t, &hits, nil), &memStore{info: info}, nil, slog.Default())

	calls := 0

	err := m.Do(context.Background(), Options{}, func(_ context.Context, tok string) error {
		calls++
		assert.Equal(t, "refreshed", tok)

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDo_ConcurrentRejectionsShareRefresh(t *testing.T) {
	var hits atomic.Int32

	m := NewManager(tokenServer(t, &hits, nil), &memStore{info: storedInfo("stale")}, nil, slog.Default())

	var wg gosync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := m.Do(context.Background(), Options{}, func(_ context.Context, tok string) error {
				if tok == "stale" {
					return errInvalidToken
				}

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestLogin(t *testing.T) {
	var hits atomic.Int32

	store := &memStore{info: storedInfo("old")}
	authz := &fakeAuthorizer{}
	m := NewManager(tokenServer(t, &hits, nil), store, authz, slog.Default())

	require.NoError(t, m.Login(context.Background()))
	assert.Equal(t, "authorized-1", store.info.Token.AccessToken)
}

func TestRevoke(t *testing.T) {
	var revoked atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		revoked.Store(r.PostForm.Get("token"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	var hits atomic.Int32

	store := &memStore{info: storedInfo("live")}
	m := NewManager(tokenServer(t, &hits, nil), store, nil, slog.Default(), WithRevokeURL(srv.URL))

	require.NoError(t, m.Revoke(context.Background()))
	assert.Nil(t, store.info)
	assert.Equal(t, "refresh-1", revoked.Load())
	assert.Equal(t, StateNoToken, m.State())
}

func TestRevoke_EndpointFailureIsBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	var hits atomic.Int32

	store := &memStore{info: storedInfo("live")}
	m := NewManager(tokenServer(t, &hits, nil), store, nil, slog.Default(), WithRevokeURL(srv.URL))

	require.NoError(t, m.Revoke(context.Background()))
	assert.Nil(t, store.info)
}

func TestRevoke_NothingStored(t *testing.T) {
	var hits atomic.Int32

	m := NewManager(tokenServer(t, &hits, nil), &memStore{}, nil, slog.Default(), WithRevokeURL("http://127.0.0.1:1"))
	require.NoError(t, m.Revoke(context.Background()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "no_token", StateNoToken.String())
	assert.Equal(t, "reauthorizing", StateReauthorizing.String())
	assert.Equal(t, "unknown", State(99).String())
}
