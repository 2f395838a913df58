package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/pagesave/internal/sink"
)

const (
	stateTokenBytes   = 16
	callbackDrainTime = 5 * time.Second
)

const consentDonePage = `<!doctype html><html><body>
<h1>pagesave is authorized</h1><p>You can close this tab.</p>
</body></html>`

// ErrConsentDenied is returned when the user declines on the consent page.
// It carries the cancelled category, so the delivery ends silently.
var ErrConsentDenied = sink.NewError(sink.CategoryCancelled, "auth: consent denied", nil)

// BrowserAuthorizer runs the authorization code flow with PKCE against a
// loopback redirect on 127.0.0.1. OpenURL shows the consent page to the
// user; Port zero picks a free port.
type BrowserAuthorizer struct {
	OpenURL func(string) error
	Port    int
	Logger  *slog.Logger
}

// Authorize runs the flow. cfg is copied; the caller's RedirectURL is left
// alone.
func (b *BrowserAuthorizer) Authorize(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if b.OpenURL == nil {
		return nil, fmt.Errorf("auth: no way to open the consent page: %w", ErrNotLoggedIn)
	}

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("auth: generating state: %w", err)
	}

	lb, err := listenLoopback(ctx, b.Port, state, logger)
	if err != nil {
		return nil, err
	}
	defer lb.close()

	flow := *cfg
	flow.RedirectURL = lb.redirectURL()

	verifier := oauth2.GenerateVerifier()
	consentURL := flow.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)

	logger.Info("waiting for consent", slog.String("redirect", flow.RedirectURL))

	if err := b.OpenURL(consentURL); err != nil {
		return nil, fmt.Errorf("auth: opening consent page: %w", err)
	}

	code, err := lb.wait(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := flow.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging code: %w", err)
	}

	logger.Info("authorization complete", slog.Time("expiry", tok.Expiry))

	return tok, nil
}

// loopback is the one-shot redirect target of the consent page. The first
// callback wins; later ones are answered but ignored.
type loopback struct {
	srv    *http.Server
	port   int
	state  string
	result chan callbackResult
	logger *slog.Logger
}

type callbackResult struct {
	code string
	err  error
}

func listenLoopback(ctx context.Context, port int, state string, logger *slog.Logger) (*loopback, error) {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("auth: binding loopback listener: %w", err)
	}

	lb := &loopback{
		port:   ln.Addr().(*net.TCPAddr).Port,
		state:  state,
		result: make(chan callbackResult, 1),
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", lb.ServeHTTP)
	lb.srv = &http.Server{Handler: mux, ReadHeaderTimeout: callbackDrainTime}

	go func() {
		if err := lb.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lb.deliver(callbackResult{err: fmt.Errorf("auth: loopback server: %w", err)})
		}
	}()

	return lb, nil
}

func (lb *loopback) redirectURL() string {
	return "http://127.0.0.1:" + strconv.Itoa(lb.port)
}

func (lb *loopback) deliver(res callbackResult) {
	select {
	case lb.result <- res:
	default:
	}
}

// ServeHTTP handles the redirect back from the consent page.
func (lb *loopback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch {
	case q.Get("state") != lb.state:
		http.Error(w, "invalid state", http.StatusBadRequest)
		lb.deliver(callbackResult{err: errors.New("auth: state mismatch on callback")})

	case q.Get("error") == "access_denied":
		http.Error(w, "authorization declined", http.StatusBadRequest)
		lb.deliver(callbackResult{err: ErrConsentDenied})

	case q.Get("error") != "":
		http.Error(w, "authorization failed: "+q.Get("error"), http.StatusBadRequest)
		lb.deliver(callbackResult{err: fmt.Errorf("auth: authorization failed: %s: %s",
			q.Get("error"), q.Get("error_description"))})

	case q.Get("code") == "":
		http.Error(w, "missing code", http.StatusBadRequest)
		lb.deliver(callbackResult{err: errors.New("auth: callback without authorization code")})

	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, consentDonePage)
		lb.deliver(callbackResult{code: q.Get("code")})
	}
}

func (lb *loopback) wait(ctx context.Context) (string, error) {
	select {
	case res := <-lb.result:
		return res.code, res.err
	case <-ctx.Done():
		return "", sink.Check(ctx, fmt.Errorf("auth: authorization canceled: %w", ctx.Err()))
	}
}

func (lb *loopback) close() {
	ctx, cancel := context.WithTimeout(context.Background(), callbackDrainTime)
	defer cancel()

	if err := lb.srv.Shutdown(ctx); err != nil {
		lb.logger.Warn("loopback shutdown", slog.String("error", err.Error()))
	}
}

func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
