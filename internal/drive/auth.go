// Package drive exports clips to Google Drive: a PKCE sign-in against
// Google's OAuth endpoints and a minimal Drive v3 upload client.
package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
	"github.com/alexjbarnes/blink-sync/internal/models"
	"github.com/alexjbarnes/blink-sync/internal/pkce"
	"github.com/alexjbarnes/blink-sync/internal/state"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	DefaultScope    = "https://www.googleapis.com/auth/drive.file"

	// tokensKey holds the composite token record in the secret store.
	tokensKey = "drive.tokens"

	// refreshSkew refreshes the access token this long before it expires.
	refreshSkew = 60 * time.Second

	// refreshTimeout bounds a shared refresh, which no single caller's
	// context controls.
	refreshTimeout = 30 * time.Second
)

// Config describes the OAuth client. Google installed-app clients are
// public, so there is no secret.
type Config struct {
	ClientID    string
	RedirectURL string
	Scopes      []string
	AuthURL     string
	TokenURL    string
}

// SecretStore persists small opaque blobs. Load returns state.ErrNotFound
// for absent names; Delete of an absent name succeeds.
type SecretStore interface {
	Save(name string, blob []byte) error
	Load(name string) ([]byte, error)
	Delete(name string) error
}

// BrowserRelay shows authURL to the user and returns the URL the
// provider redirected to once it reaches callbackURL.
type BrowserRelay interface {
	Present(ctx context.Context, authURL, callbackURL string) (*url.URL, error)
}

// Auth manages the Google Drive tokens.
type Auth struct {
	oauth  *oauth2.Config
	store  SecretStore
	relay  BrowserRelay
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	tokens *models.TokenSet
	loaded bool

	refreshes singleflight.Group
}

// NewAuth creates a token manager. A nil httpClient uses
// http.DefaultClient.
func NewAuth(cfg Config, store SecretStore, relay BrowserRelay, httpClient *http.Client, logger *slog.Logger) *Auth {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}

	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}

	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{DefaultScope}
	}

	return &Auth{
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:  store,
		relay:  relay,
		client: httpClient,
		logger: logger,
		now:    time.Now,
	}
}

// AuthorizationURL returns the consent URL for a PKCE challenge. It asks
// for offline access and forces the consent prompt so Google always
// returns a refresh token.
func (a *Auth) AuthorizationURL(challenge, state string) string {
	return a.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
	)
}

// SignIn runs the browser consent flow and persists the resulting tokens.
func (a *Auth) SignIn(ctx context.Context) error {
	pair := pkce.Generate()
	st := uuid.NewString()

	cb, err := a.relay.Present(ctx, a.AuthorizationURL(pair.Challenge, st), a.oauth.RedirectURL)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, apperrors.ErrUserCancelled) {
			return fmt.Errorf("drive sign-in: %w", apperrors.ErrUserCancelled)
		}

		return fmt.Errorf("drive sign-in: %w", err)
	}

	q := cb.Query()

	switch {
	case q.Get("error") == "access_denied":
		return fmt.Errorf("drive sign-in: %w", apperrors.ErrUserCancelled)
	case q.Get("error") != "":
		return apperrors.OAuthFailed("provider returned " + q.Get("error"))
	case q.Get("state") != st:
		return apperrors.OAuthFailed("state mismatch in callback")
	case q.Get("code") == "":
		return apperrors.ErrNoAuthorizationCode
	}

	tok, err := a.oauth.Exchange(a.oauthContext(ctx), q.Get("code"), oauth2.VerifierOption(pair.Verifier))
	if err != nil {
		return a.tokenError(ctx, "exchanging drive code", apperrors.ErrTokenExchangeFailed, err)
	}

	ts := a.tokenSet(tok, "")
	if err := a.save(ts); err != nil {
		return err
	}

	a.logger.Info("drive signed in", slog.Time("expiry", ts.Expiry))

	return nil
}

// SignedIn reports whether tokens are stored.
func (a *Auth) SignedIn() bool {
	ts, err := a.current()
	return err == nil && ts != nil
}

// AccessToken returns a valid access token, refreshing it first when it
// expires within a minute. Concurrent callers share one refresh.
func (a *Auth) AccessToken(ctx context.Context) (string, error) {
	ts, err := a.current()
	if err != nil {
		return "", err
	}

	if ts == nil {
		return "", apperrors.ErrNotAuthenticated
	}

	if !ts.NeedsRefresh(a.now(), refreshSkew) {
		return ts.AccessToken, nil
	}

	ch := a.refreshes.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		return a.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("refreshing drive token: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil
	}
}

// SignOut forgets all tokens. It is idempotent.
func (a *Auth) SignOut() error {
	a.mu.Lock()
	a.tokens = nil
	a.loaded = true
	a.mu.Unlock()

	if err := a.store.Delete(tokensKey); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("deleting drive tokens: %w", err)
	}

	return nil
}

func (a *Auth) refresh(ctx context.Context) (string, error) {
	// Another flight may have finished between the caller's check and
	// this one starting.
	ts, err := a.current()
	if err != nil {
		return "", err
	}

	if ts == nil {
		return "", apperrors.ErrNotAuthenticated
	}

	if !ts.NeedsRefresh(a.now(), refreshSkew) {
		return ts.AccessToken, nil
	}

	if ts.RefreshToken == "" {
		a.signOutQuietly()
		return "", fmt.Errorf("no refresh token: %w", apperrors.ErrTokenRefreshFailed)
	}

	src := a.oauth.TokenSource(a.oauthContext(ctx), &oauth2.Token{RefreshToken: ts.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		return "", a.tokenError(ctx, "refreshing drive token", apperrors.ErrTokenRefreshFailed, err)
	}

	next := a.tokenSet(tok, ts.RefreshToken)
	if err := a.save(next); err != nil {
		return "", err
	}

	a.logger.Debug("drive token refreshed", slog.Time("expiry", next.Expiry))

	return next.AccessToken, nil
}

// tokenError maps an oauth2 failure. A response from the provider is
// final: a failed refresh also signs out. Anything else is a transport
// problem and left retryable.
func (a *Auth) tokenError(ctx context.Context, op string, kind, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return apperrors.Network(op, err)
	}

	a.logger.Warn("drive token request rejected",
		slog.String("op", op),
		slog.Int("status", re.Response.StatusCode),
		slog.String("error_code", re.ErrorCode),
	)

	if errors.Is(kind, apperrors.ErrTokenRefreshFailed) {
		a.signOutQuietly()
	}

	return fmt.Errorf("%s: status %d: %w", op, re.Response.StatusCode, kind)
}

func (a *Auth) signOutQuietly() {
	if err := a.SignOut(); err != nil {
		a.logger.Warn("failed to clear drive tokens", slog.String("error", err.Error()))
	}
}

func (a *Auth) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

// tokenSet converts a provider token, computing expiry from the injected
// clock. keepRefresh is used when the provider omits a new refresh token.
func (a *Auth) tokenSet(tok *oauth2.Token, keepRefresh string) *models.TokenSet {
	ts := &models.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	if tok.ExpiresIn > 0 {
		ts.Expiry = a.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	if ts.RefreshToken == "" {
		ts.RefreshToken = keepRefresh
	}

	return ts
}

// current returns the cached tokens, loading them on first use. Nil
// means signed out.
func (a *Auth) current() (*models.TokenSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loaded {
		return a.tokens, nil
	}

	data, err := a.store.Load(tokensKey)
	if errors.Is(err, state.ErrNotFound) {
		a.loaded = true
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading drive tokens: %w", err)
	}

	var ts models.TokenSet
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("decoding drive tokens: %w: %w", apperrors.ErrStorage, err)
	}

	if ts.AccessToken == "" {
		a.loaded = true
		return nil, nil
	}

	a.tokens = &ts
	a.loaded = true

	return a.tokens, nil
}

// save writes the whole record in one put, then publishes it.
func (a *Auth) save(ts *models.TokenSet) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshalling drive tokens: %w", err)
	}

	if err := a.store.Save(tokensKey, data); err != nil {
		return fmt.Errorf("saving drive tokens: %w", err)
	}

	a.mu.Lock()
	a.tokens = ts
	a.loaded = true
	a.mu.Unlock()

	return nil
}
