package blink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
	"github.com/alexjbarnes/blink-sync/internal/models"
	"github.com/alexjbarnes/blink-sync/internal/pkce"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// State is the position of the login transaction.
type State int

const (
	StateIdle State = iota
	StateAuthorizing
	StateAwaitingCredentials
	StateAwaitingTwoFactor
	StateTokenExchange
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthorizing:
		return "authorizing"
	case StateAwaitingCredentials:
		return "awaiting_credentials"
	case StateAwaitingTwoFactor:
		return "awaiting_two_factor"
	case StateTokenExchange:
		return "token_exchange"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

const formContentType = "application/x-www-form-urlencoded"

// loginAttempt is the transient state of one login. It owns its cookie
// jar, so nothing from a previous attempt can leak into this one.
type loginAttempt struct {
	pair       pkce.Pair
	csrfToken  string
	username   string
	password   string
	hardwareID string
	jar        http.CookieJar
	cancel     context.CancelFunc
}

// Auth drives the vendor login flow and owns the resulting session.
// One login attempt is in flight at a time.
type Auth struct {
	cfg    Config
	http   *transport
	store  SecretStore
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	attempt       *loginAttempt
	inFlight      *loginAttempt
	session       *models.Session
	sessionLoaded bool

	refreshes singleflight.Group

	idMu       sync.Mutex
	hardwareID string
}

// NewAuth creates a session manager. If httpClient is nil, a client with
// a 30-second timeout and same-host redirect policy is created.
func NewAuth(cfg Config, store SecretStore, httpClient *http.Client, logger *slog.Logger) *Auth {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}

	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()

	return &Auth{
		cfg:    cfg,
		http:   &transport{client: httpClient, userAgent: cfg.UserAgent},
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// State returns the current login state.
func (a *Auth) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// Login runs the credential step of the flow. It returns the new session,
// or ErrTwoFactorRequired when the account needs a 2FA code, in which case
// the attempt is kept and VerifyTwoFactor continues it.
func (a *Auth) Login(ctx context.Context, username, password string) (*models.Session, error) {
	hardwareID, err := a.deviceID()
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	att := &loginAttempt{
		pair:       pkce.Generate(),
		username:   username,
		password:   password,
		hardwareID: hardwareID,
		jar:        jar,
		cancel:     cancel,
	}

	if err := a.beginLogin(att); err != nil {
		return nil, err
	}

	a.logger.Info("signing in", slog.String("username", username))

	sess, err := a.runLogin(ctx, att)

	return a.finish(ctx, att, sess, err)
}

// VerifyTwoFactor submits a 2FA code for the suspended attempt. A
// rejected code returns ErrUnauthorized and keeps the attempt so the
// caller can retry.
func (a *Auth) VerifyTwoFactor(ctx context.Context, code string) (*models.Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	att, err := a.beginVerify(cancel)
	if err != nil {
		return nil, err
	}

	if err := a.submitTwoFactor(ctx, att, code); err != nil {
		if ctx.Err() != nil {
			return a.finish(ctx, att, nil, err)
		}

		a.suspend(att)

		return nil, err
	}

	a.setState(att, StateTokenExchange)

	sess, err := a.completeLogin(ctx, att)

	return a.finish(ctx, att, sess, err)
}

// Cancel abandons any login attempt, interrupting a request in flight,
// and tears down the session, since an abandoned 2FA attempt leaves no
// valid session behind.
func (a *Auth) Cancel() error {
	a.mu.Lock()
	if a.inFlight != nil {
		a.inFlight.cancel()
	}

	a.attempt = nil
	a.session = nil
	a.sessionLoaded = true
	a.state = StateIdle
	a.mu.Unlock()

	return deleteSession(a.store)
}

// Logout deletes the persisted session and clears all in-memory state.
// It is idempotent.
func (a *Auth) Logout(_ context.Context) error {
	a.mu.Lock()
	if a.inFlight != nil {
		a.inFlight.cancel()
	}

	hadSession := a.session != nil
	a.attempt = nil
	a.session = nil
	a.sessionLoaded = true
	a.state = StateIdle
	a.mu.Unlock()

	if err := deleteSession(a.store); err != nil {
		return err
	}

	if hadSession {
		a.logger.Info("signed out")
	}

	return nil
}

// invalidate tears down rejected if it is still the current session. A
// session that has since been replaced by a login or refresh is kept, and
// a login in progress is left running.
func (a *Auth) invalidate(rejected *models.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == nil || a.session.AuthToken != rejected.AuthToken {
		return nil
	}

	a.session = nil
	a.sessionLoaded = true

	if a.state == StateAuthenticated {
		a.state = StateIdle
	}

	a.logger.Info("session rejected, signed out")

	return deleteSession(a.store)
}

// deviceID returns the hardware id, creating it at most once per Auth.
func (a *Auth) deviceID() (string, error) {
	a.idMu.Lock()
	defer a.idMu.Unlock()

	if a.hardwareID != "" {
		return a.hardwareID, nil
	}

	id, err := HardwareID(a.store)
	if err != nil {
		return "", err
	}

	a.hardwareID = id

	return id, nil
}

// Session returns the current session, loading a persisted one on first
// use. It returns ErrAuthenticationRequired when there is none.
func (a *Auth) Session() (*models.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		s := *a.session
		return &s, nil
	}

	if a.sessionLoaded {
		return nil, apperrors.ErrAuthenticationRequired
	}

	s, err := loadSession(a.store)
	if err != nil {
		if errors.Is(err, apperrors.ErrAuthenticationRequired) {
			a.sessionLoaded = true
		}

		return nil, err
	}

	a.session = s
	a.sessionLoaded = true

	if a.state == StateIdle {
		a.state = StateAuthenticated
	}

	out := *s

	return &out, nil
}

// ValidSession returns the current session, refreshing it first when its
// token lifetime has elapsed and a refresh token is available.
// Concurrent callers share one refresh.
func (a *Auth) ValidSession(ctx context.Context) (*models.Session, error) {
	s, err := a.Session()
	if err != nil {
		return nil, err
	}

	if !s.Expired(a.now()) || s.RefreshToken == "" {
		return s, nil
	}

	// The refresh outlives any one caller, so a caller giving up does
	// not fail the others waiting on it.
	ch := a.refreshes.DoChan("session", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpClientTimeout)
		defer cancel()

		return a.Refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("refreshing session: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		out := *res.Val.(*models.Session)

		return &out, nil
	}
}

// Refresh exchanges the session's refresh token for a new access token
// and persists the result. A rejected refresh tears the session down.
func (a *Auth) Refresh(ctx context.Context) (*models.Session, error) {
	s, err := a.Session()
	if err != nil {
		return nil, err
	}

	if s.RefreshToken == "" {
		return nil, fmt.Errorf("refreshing session: no refresh token: %w", apperrors.ErrAuthenticationRequired)
	}

	prev := *s

	resp, err := a.http.do(ctx, request{
		method:      http.MethodPost,
		url:         a.cfg.OAuthURL + "/oauth/token",
		contentType: formContentType,
		body: encodeForm(
			field{"app_brand", a.cfg.AppBrand},
			field{"client_id", a.cfg.ClientID},
			field{"grant_type", "refresh_token"},
			field{"hardware_id", s.HardwareID},
			field{"refresh_token", s.RefreshToken},
			field{"scope", a.cfg.Scope},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}

	switch {
	case resp.status == http.StatusOK:
	case resp.status == http.StatusBadRequest || resp.status == http.StatusUnauthorized:
		a.logResponse("refresh rejected", resp)

		if err := a.invalidate(&prev); err != nil {
			a.logger.Warn("failed to clear session", slog.String("error", err.Error()))
		}

		return nil, fmt.Errorf("refreshing session: %w", apperrors.ErrUnauthorized)
	default:
		a.logResponse("refresh failed", resp)
		return nil, fmt.Errorf("refreshing session: %w", &apperrors.StatusError{Op: "POST /oauth/token", StatusCode: resp.status})
	}

	access := gjson.GetBytes(resp.body, "access_token")
	if access.Type != gjson.String || access.Str == "" {
		return nil, apperrors.OAuthFailed("refresh response missing access_token")
	}

	s.AuthToken = access.Str
	if rt := gjson.GetBytes(resp.body, "refresh_token"); rt.Type == gjson.String && rt.Str != "" {
		s.RefreshToken = rt.Str
	}

	s.IssuedAt = a.now()
	s.ExpiresIn = time.Duration(gjson.GetBytes(resp.body, "expires_in").Int()) * time.Second

	a.mu.Lock()
	defer a.mu.Unlock()

	// A logout or a new login while the request ran wins over this result.
	if a.session == nil {
		return nil, fmt.Errorf("refreshing session: %w", apperrors.ErrAuthenticationRequired)
	}

	if a.session.AuthToken != prev.AuthToken {
		out := *a.session
		return &out, nil
	}

	if err := saveSession(a.store, s); err != nil {
		return nil, err
	}

	a.session = s
	a.sessionLoaded = true

	a.logger.Debug("session refreshed", slog.Duration("expires_in", s.ExpiresIn))

	out := *s

	return &out, nil
}

// --- transaction bookkeeping ---

func (a *Auth) beginLogin(att *loginAttempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inFlight != nil {
		return apperrors.ErrLoginInProgress
	}

	// A suspended 2FA attempt is replaced wholesale; its verifier and
	// CSRF token are never mixed with the new one.
	a.attempt = att
	a.inFlight = att
	a.state = StateAuthorizing

	return nil
}

func (a *Auth) beginVerify(cancel context.CancelFunc) (*loginAttempt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inFlight != nil {
		return nil, apperrors.ErrLoginInProgress
	}

	att := a.attempt
	if att == nil || a.state != StateAwaitingTwoFactor || att.csrfToken == "" || att.username == "" || att.pair.Verifier == "" {
		return nil, fmt.Errorf("verifying two-factor code: %w", apperrors.ErrAuthenticationRequired)
	}

	att.cancel = cancel
	a.inFlight = att

	return att, nil
}

// setState advances the state only while att is still the live attempt.
func (a *Auth) setState(att *loginAttempt, s State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.attempt == att {
		a.state = s
	}
}

// suspend returns a failed 2FA verification to the awaiting state with
// the attempt intact.
func (a *Auth) suspend(att *loginAttempt) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inFlight == att {
		a.inFlight = nil
	}

	if a.attempt == att {
		a.state = StateAwaitingTwoFactor
	}
}

// finish settles an attempt. Success persists the session before it is
// published; any terminal failure clears the attempt.
func (a *Auth) finish(ctx context.Context, att *loginAttempt, sess *models.Session, err error) (*models.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inFlight == att {
		a.inFlight = nil
	}

	if a.attempt != att {
		// Cancelled or logged out while the request was running.
		return nil, fmt.Errorf("login abandoned: %w", apperrors.ErrUserCancelled)
	}

	switch {
	case err == nil:
		if saveErr := saveSession(a.store, sess); saveErr != nil {
			a.attempt = nil
			a.state = StateFailed

			return nil, saveErr
		}

		a.attempt = nil
		a.session = sess
		a.sessionLoaded = true
		a.state = StateAuthenticated

		a.logger.Info("signed in",
			slog.Int64("account_id", sess.AccountID),
			slog.String("tier", sess.Tier),
		)

		out := *sess

		return &out, nil
	case errors.Is(err, apperrors.ErrTwoFactorRequired):
		a.state = StateAwaitingTwoFactor
		a.logger.Info("two-factor verification required")

		return nil, err
	case ctx.Err() != nil:
		a.attempt = nil
		a.state = StateIdle

		return nil, err
	default:
		a.attempt = nil
		a.state = StateFailed

		return nil, err
	}
}

// --- protocol steps ---

func (a *Auth) runLogin(ctx context.Context, att *loginAttempt) (*models.Session, error) {
	resp, err := a.http.do(ctx, request{
		method:          http.MethodGet,
		url:             a.authorizeURL(att),
		followRedirects: true,
		jar:             att.jar,
	})
	if err != nil {
		return nil, fmt.Errorf("authorization request: %w", err)
	}

	if resp.status != http.StatusOK {
		a.logResponse("authorize failed", resp)
		return nil, apperrors.OAuthFailed("authorization request failed")
	}

	a.setState(att, StateAwaitingCredentials)

	csrf, err := a.fetchCSRFToken(ctx, att)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	att.csrfToken = csrf
	a.mu.Unlock()

	resp, err = a.http.do(ctx, request{
		method:      http.MethodPost,
		url:         a.cfg.OAuthURL + "/oauth/v2/signin",
		contentType: formContentType,
		jar:         att.jar,
		body: encodeForm(
			field{"username", att.username},
			field{"password", att.password},
			field{"csrf-token", csrf},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("submitting credentials: %w", err)
	}

	switch {
	case resp.status == http.StatusPreconditionFailed:
		return nil, apperrors.ErrTwoFactorRequired
	case isRedirect(resp.status):
	default:
		a.logResponse("signin rejected", resp)
		return nil, fmt.Errorf("submitting credentials: status %d: %w", resp.status, apperrors.ErrUnauthorized)
	}

	a.setState(att, StateTokenExchange)

	return a.completeLogin(ctx, att)
}

func (a *Auth) fetchCSRFToken(ctx context.Context, att *loginAttempt) (string, error) {
	resp, err := a.http.do(ctx, request{
		method:          http.MethodGet,
		url:             a.cfg.OAuthURL + "/oauth/v2/signin",
		followRedirects: true,
		jar:             att.jar,
	})
	if err != nil {
		return "", fmt.Errorf("fetching signin page: %w", err)
	}

	if resp.status != http.StatusOK {
		a.logResponse("signin page failed", resp)
		return "", apperrors.OAuthFailed("failed to get CSRF token")
	}

	token, ok := extractCSRFToken(resp.body)
	if !ok {
		return "", apperrors.OAuthFailed("failed to get CSRF token")
	}

	return token, nil
}

func (a *Auth) submitTwoFactor(ctx context.Context, att *loginAttempt, code string) error {
	resp, err := a.http.do(ctx, request{
		method:      http.MethodPost,
		url:         a.cfg.OAuthURL + "/oauth/v2/2fa/verify",
		contentType: formContentType,
		jar:         att.jar,
		body: encodeForm(
			field{"2fa_code", code},
			field{"csrf-token", att.csrfToken},
			field{"remember_me", "false"},
		),
	})
	if err != nil {
		return fmt.Errorf("verifying two-factor code: %w", err)
	}

	if resp.status != http.StatusCreated || gjson.GetBytes(resp.body, "status").String() != "auth-completed" {
		a.logResponse("two-factor rejected", resp)
		return fmt.Errorf("verifying two-factor code: status %d: %w", resp.status, apperrors.ErrUnauthorized)
	}

	return nil
}

// completeLogin is shared by the credential and 2FA paths: fetch the
// authorization code, exchange it, then resolve the account's tier.
func (a *Auth) completeLogin(ctx context.Context, att *loginAttempt) (*models.Session, error) {
	code, err := a.fetchAuthorizationCode(ctx, att)
	if err != nil {
		return nil, err
	}

	tokens, err := a.exchangeCode(ctx, att, code)
	if err != nil {
		return nil, err
	}

	tier, accountID, err := a.fetchTierInfo(ctx, tokens.accessToken)
	if err != nil {
		return nil, err
	}

	sess := models.NewSession(accountID, tier, a.cfg.VendorDomain)
	sess.AuthToken = tokens.accessToken
	sess.RefreshToken = tokens.refreshToken
	sess.Username = att.username
	sess.HardwareID = att.hardwareID
	sess.IssuedAt = a.now()
	sess.ExpiresIn = tokens.expiresIn

	return sess, nil
}

func (a *Auth) fetchAuthorizationCode(ctx context.Context, att *loginAttempt) (string, error) {
	resp, err := a.http.do(ctx, request{
		method: http.MethodGet,
		url:    a.authorizeURL(att),
		jar:    att.jar,
	})
	if err != nil {
		return "", fmt.Errorf("fetching authorization code: %w", err)
	}

	if !isRedirect(resp.status) {
		a.logResponse("authorize did not redirect", resp)
		return "", apperrors.OAuthFailed(fmt.Sprintf("authorize returned status %d, expected redirect", resp.status))
	}

	loc, err := url.Parse(resp.header.Get("Location"))
	if err != nil {
		return "", apperrors.OAuthFailed("invalid redirect location")
	}

	code := loc.Query().Get("code")
	if code == "" {
		return "", apperrors.OAuthFailed("no authorization code in redirect")
	}

	return code, nil
}

type vendorTokens struct {
	accessToken  string
	refreshToken string
	expiresIn    time.Duration
}

func (a *Auth) exchangeCode(ctx context.Context, att *loginAttempt, code string) (*vendorTokens, error) {
	resp, err := a.http.do(ctx, request{
		method:      http.MethodPost,
		url:         a.cfg.OAuthURL + "/oauth/token",
		contentType: formContentType,
		jar:         att.jar,
		body: encodeForm(
			field{"app_brand", a.cfg.AppBrand},
			field{"client_id", a.cfg.ClientID},
			field{"code", code},
			field{"code_verifier", att.pair.Verifier},
			field{"grant_type", "authorization_code"},
			field{"hardware_id", att.hardwareID},
			field{"redirect_uri", a.cfg.RedirectURI},
			field{"scope", a.cfg.Scope},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	if resp.status != http.StatusOK {
		a.logResponse("token exchange failed", resp)
		return nil, apperrors.OAuthFailed(fmt.Sprintf("token exchange returned status %d", resp.status))
	}

	access := gjson.GetBytes(resp.body, "access_token")
	refresh := gjson.GetBytes(resp.body, "refresh_token")

	if access.Type != gjson.String || access.Str == "" || refresh.Type != gjson.String || refresh.Str == "" {
		return nil, apperrors.OAuthFailed("token response missing access_token or refresh_token")
	}

	return &vendorTokens{
		accessToken:  access.Str,
		refreshToken: refresh.Str,
		expiresIn:    time.Duration(gjson.GetBytes(resp.body, "expires_in").Int()) * time.Second,
	}, nil
}

func (a *Auth) fetchTierInfo(ctx context.Context, accessToken string) (string, int64, error) {
	resp, err := a.http.do(ctx, request{
		method: http.MethodGet,
		url:    a.cfg.TierURL + "/api/v1/users/tier_info",
		bearer: accessToken,
	})
	if err != nil {
		return "", 0, fmt.Errorf("fetching tier info: %w", err)
	}

	if resp.status != http.StatusOK {
		a.logResponse("tier info failed", resp)
		return "", 0, apperrors.OAuthFailed("failed to get tier info")
	}

	tier := gjson.GetBytes(resp.body, "tier")
	account := gjson.GetBytes(resp.body, "account_id")

	if tier.Type != gjson.String || tier.Str == "" || account.Type != gjson.Number || account.Num != float64(account.Int()) {
		return "", 0, apperrors.OAuthFailed("failed to get tier info")
	}

	return tier.Str, account.Int(), nil
}

func (a *Auth) authorizeURL(att *loginAttempt) string {
	q := url.Values{
		"app_brand":             {a.cfg.AppBrand},
		"app_version":           {a.cfg.AppVersion},
		"client_id":             {a.cfg.ClientID},
		"code_challenge":        {att.pair.Challenge},
		"code_challenge_method": {att.pair.Method},
		"device_brand":          {a.cfg.DeviceBrand},
		"device_model":          {a.cfg.DeviceModel},
		"device_os_version":     {a.cfg.DeviceOSVersion},
		"hardware_id":           {att.hardwareID},
		"redirect_uri":          {a.cfg.RedirectURI},
		"response_type":         {"code"},
		"scope":                 {a.cfg.Scope},
	}

	return a.cfg.OAuthURL + "/oauth/v2/authorize?" + q.Encode()
}

// logResponse records a failed step. Bodies are only logged for client
// errors, where they usually carry the vendor's reason.
func (a *Auth) logResponse(msg string, resp *response) {
	attrs := []any{slog.Int("status", resp.status)}
	if resp.status >= 400 && resp.status < 500 {
		attrs = append(attrs, slog.String("body", sanitizeResponseBody(resp.body)))
	}

	a.logger.Warn(msg, attrs...)
}
