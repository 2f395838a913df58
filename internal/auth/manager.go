package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	gosync "sync"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/pagesave/internal/sink"
)

// maxAuthRetries bounds how many times one Do call re-runs its operation
// after the token was refreshed or re-authorized.
const maxAuthRetries = 1

// Op is an operation that needs a valid access token. It reports an expired
// or rejected token with a *sink.Error of CategoryInvalidToken.
type Op func(ctx context.Context, accessToken string) error

// Options tune one Do call.
type Options struct {
	// ForceAuth discards the stored token and runs the interactive flow.
	ForceAuth bool
	// NonInteractive fails with ErrNotLoggedIn instead of starting the
	// interactive flow when no token is stored.
	NonInteractive bool
}

// Manager drives the token lifecycle around operations.
type Manager struct {
	oauth      *oauth2.Config
	store      Store
	authorizer Authorizer
	httpClient *http.Client
	revokeURL  string
	logger     *slog.Logger

	// mu serializes lifecycle transitions so concurrent operations share one
	// authorization or refresh.
	mu    gosync.Mutex
	state State
	info  *Info
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient sets the client used for token refresh and revocation.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithRevokeURL overrides the revocation endpoint.
func WithRevokeURL(u string) ManagerOption {
	return func(m *Manager) { m.revokeURL = u }
}

// NewManager creates a manager. authorizer may be nil, in which case only a
// stored token can be used.
func NewManager(cfg *oauth2.Config, store Store, authorizer Authorizer, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		oauth:      cfg,
		store:      store,
		authorizer: authorizer,
		httpClient: http.DefaultClient,
		revokeURL:  DefaultRevokeURL,
		logger:     logger,
	}

	for _, o := range opts {
		o(m)
	}

	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Do runs op with a valid access token. An invalid_token failure triggers a
// refresh and one retry; a refresh rejected as unknown_token falls back to
// interactive re-authorization. A second invalid_token after the retry is a
// hard failure. Any other failure from op is returned unchanged.
func (m *Manager) Do(ctx context.Context, opts Options, op Op) error {
	info, err := m.ensure(ctx, opts)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		opErr := op(ctx, info.Token.AccessToken)
		if opErr == nil {
			return nil
		}

		if sink.CategoryOf(opErr) != sink.CategoryInvalidToken {
			return opErr
		}

		if attempt >= maxAuthRetries {
			m.setState(StateFailed)
			m.logger.Warn("token rejected again after renewal, giving up",
				slog.Int("attempts", attempt+1),
			)

			return fmt.Errorf("auth: token still rejected after renewal: %w", opErr)
		}

		info, err = m.renew(ctx, info, opts)
		if err != nil {
			return err
		}
	}
}

// Login forces the interactive flow and stores the result.
func (m *Manager) Login(ctx context.Context) error {
	_, err := m.ensure(ctx, Options{ForceAuth: true})
	return err
}

// ensure returns usable Info, loading it from the store or authorizing.
// An expired token with a refresh token is refreshed up front; that does not
// count against the retry bound.
func (m *Manager) ensure(ctx context.Context, opts Options) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.ForceAuth {
		return m.authorizeLocked(ctx, StateAuthorizing, opts)
	}

	if m.info == nil {
		info, err := m.store.Load(ctx)
		if err != nil {
			return nil, err
		}

		m.info = info
	}

	if m.info == nil {
		return m.authorizeLocked(ctx, StateAuthorizing, opts)
	}

	if !m.info.Token.Valid() && m.info.Token.RefreshToken != "" {
		return m.refreshLocked(ctx, opts)
	}

	m.state = StateValid

	return m.info, nil
}

// renew replaces the token that op rejected. If another caller already
// replaced it, the newer token is used as is.
func (m *Manager) renew(ctx context.Context, rejected *Info, opts Options) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.info != nil && m.info != rejected && m.info.Token.AccessToken != rejected.Token.AccessToken {
		return m.info, nil
	}

	return m.refreshLocked(ctx, opts)
}

// refreshLocked exchanges the refresh token. unknown_token escalates to
// re-authorization; any other refresh failure is returned.
func (m *Manager) refreshLocked(ctx context.Context, opts Options) (*Info, error) {
	m.state = StateRefreshing

	tok, err := m.refreshToken(ctx)
	if err == nil {
		info := &Info{Token: tok, RevocableToken: m.info.RevocableToken}
		if saveErr := m.store.Save(ctx, info); saveErr != nil {
			m.state = StateFailed
			return nil, saveErr
		}

		m.info = info
		m.state = StateValid
		m.logger.Info("token refreshed", slog.Time("expiry", tok.Expiry))

		return info, nil
	}

	if sink.CategoryOf(err) != sink.CategoryUnknownToken {
		m.state = StateFailed
		m.logger.Warn("token refresh failed", slog.String("error", err.Error()))

		return nil, err
	}

	m.logger.Info("refresh token no longer valid, re-authorizing")

	return m.authorizeLocked(ctx, StateReauthorizing, opts)
}

// refreshToken performs the refresh grant and classifies the failure.
func (m *Manager) refreshToken(ctx context.Context) (*oauth2.Token, error) {
	rt := ""
	if m.info != nil && m.info.Token != nil {
		rt = m.info.Token.RefreshToken
	}

	if rt == "" {
		return nil, sink.NewError(sink.CategoryUnknownToken, "no refresh token stored", nil)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: rt}).Token()
	if err == nil {
		return tok, nil
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
		return nil, sink.NewError(sink.CategoryUnknownToken, "refresh token rejected", err)
	}

	return nil, fmt.Errorf("auth: refreshing token: %w", err)
}

// authorizeLocked runs the interactive flow. On failure the stored info is
// removed.
func (m *Manager) authorizeLocked(ctx context.Context, state State, opts Options) (*Info, error) {
	if opts.NonInteractive || m.authorizer == nil {
		m.state = StateNoToken
		return nil, ErrNotLoggedIn
	}

	m.state = state

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	tok, err := m.authorizer.Authorize(ctx, m.oauth)
	if err != nil {
		m.failLocked(ctx)
		return nil, fmt.Errorf("auth: authorization failed: %w", err)
	}

	info := newInfo(tok)
	if err := m.store.Save(ctx, info); err != nil {
		m.state = StateFailed
		return nil, err
	}

	m.info = info
	m.state = StateValid
	m.logger.Info("authorized", slog.Time("expiry", tok.Expiry))

	return info, nil
}

// failLocked forgets the stored authorization after a failed flow.
func (m *Manager) failLocked(ctx context.Context) {
	m.info = nil
	m.state = StateFailed

	if err := m.store.Remove(ctx); err != nil {
		m.logger.Warn("removing stored token failed", slog.String("error", err.Error()))
	}
}

// Revoke logs out: the stored info is removed and the grant revoked at the
// provider. Revocation is best effort; only a failure to remove the local
// state is returned.
func (m *Manager) Revoke(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.info
	if info == nil {
		loaded, err := m.store.Load(ctx)
		if err != nil {
			m.logger.Warn("loading token for revocation failed", slog.String("error", err.Error()))
		}

		info = loaded
	}

	m.info = nil
	m.state = StateNoToken

	if err := m.store.Remove(ctx); err != nil {
		return err
	}

	if info == nil || info.RevocableToken == "" {
		return nil
	}

	if err := m.revoke(ctx, info.RevocableToken); err != nil {
		m.logger.Warn("token revocation failed", slog.String("error", err.Error()))
	}

	return nil
}

func (m *Manager) revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("auth: revoke returned HTTP %d", resp.StatusCode)
	}

	m.logger.Info("token revoked")

	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = s
}
