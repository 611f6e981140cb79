package blink

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/blink-sync/internal/models"
	"github.com/alexjbarnes/blink-sync/internal/pkce"
	"github.com/alexjbarnes/blink-sync/internal/state"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "user@example.com"
	testPassword = "p@ss+w&rd ~x"
	testTier     = "u011"
	testAccount  = int64(1234)
	test2FACode  = "123456"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *state.State {
	t.Helper()
	s, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeBlink is a scripted vendor backend. Login progress is tracked with
// cookies, as the real service does, so tests observe whether cookies are
// threaded within an attempt and isolated between attempts.
type fakeBlink struct {
	t   *testing.T
	srv *httptest.Server

	mu               sync.Mutex
	requireTwoFactor bool
	csrfSeq          int
	csrf             string
	challenge        string
	code             string
	hits             map[string]int
	signinBodies     []string

	// Overrides for failure scripting. Zero values mean normal behaviour.
	authorizeStatus int
	signinPage      string
	omitCode        bool
	tokenStatus     int
	tierBody        string
	refreshStatus   int
	refreshDelay    time.Duration

	// Hooks run at the start of a handler.
	onAuthorize  func(r *http.Request)
	onSigninPage func(r *http.Request)

	// REST handlers registered by individual tests.
	router *mux.Router
}

func newFakeBlink(t *testing.T) *fakeBlink {
	t.Helper()

	fb := &fakeBlink{t: t, hits: make(map[string]int), code: "auth-code-1"}

	r := mux.NewRouter()
	r.HandleFunc("/oauth/v2/authorize", fb.handleAuthorize).Methods(http.MethodGet)
	r.HandleFunc("/oauth/v2/signin", fb.handleSigninPage).Methods(http.MethodGet)
	r.HandleFunc("/oauth/v2/signin", fb.handleSignin).Methods(http.MethodPost)
	r.HandleFunc("/oauth/v2/2fa/verify", fb.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/oauth/token", fb.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/users/tier_info", fb.handleTierInfo).Methods(http.MethodGet)
	fb.router = r

	fb.srv = httptest.NewServer(r)
	t.Cleanup(fb.srv.Close)

	return fb
}

func (fb *fakeBlink) hit(name string) {
	fb.mu.Lock()
	fb.hits[name]++
	fb.mu.Unlock()
}

func (fb *fakeBlink) count(name string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.hits[name]
}

func (fb *fakeBlink) config() Config {
	return Config{OAuthURL: fb.srv.URL, TierURL: fb.srv.URL}
}

func (fb *fakeBlink) newAuth(t *testing.T, store SecretStore) *Auth {
	t.Helper()
	return NewAuth(fb.config(), store, fb.srv.Client(), testLogger())
}

func hasCookie(r *http.Request, name string) bool {
	c, err := r.Cookie(name)
	return err == nil && c.Value == "1"
}

func (fb *fakeBlink) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	fb.hit("authorize")
	if fb.onAuthorize != nil {
		fb.onAuthorize(r)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if hasCookie(r, "authed") {
		loc := "immedia-blink://applinks.blink.com/signin/callback?state=x"
		if !fb.omitCode {
			loc += "&code=" + fb.code
		}
		w.Header().Set("Location", loc)
		w.WriteHeader(http.StatusFound)
		return
	}

	if fb.authorizeStatus != 0 {
		w.WriteHeader(fb.authorizeStatus)
		return
	}

	q := r.URL.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("client_id") != DefaultClientID || q.Get("hardware_id") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fb.challenge = q.Get("code_challenge")
	w.Write([]byte("<html>authorize</html>"))
}

func (fb *fakeBlink) handleSigninPage(w http.ResponseWriter, r *http.Request) {
	fb.hit("signin_page")
	if fb.onSigninPage != nil {
		fb.onSigninPage(r)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.signinPage != "" {
		w.Write([]byte(fb.signinPage))
		return
	}

	fb.csrfSeq++
	fb.csrf = fmt.Sprintf("csrf-%d", fb.csrfSeq)
	fmt.Fprintf(w, `<!DOCTYPE html><html><head>
<script src="/static/app.js"></script>
<script id="oauth-args" type="application/json">{"csrf-token": %q, "locale": "en"}</script>
</head><body><form></form></body></html>`, fb.csrf)
}

func (fb *fakeBlink) handleSignin(w http.ResponseWriter, r *http.Request) {
	fb.hit("signin")

	raw, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(strings.NewReader(string(raw)))
	require.NoError(fb.t, r.ParseForm())

	fb.mu.Lock()
	defer fb.mu.Unlock()

	fb.signinBodies = append(fb.signinBodies, string(raw))

	if r.PostForm.Get("csrf-token") != fb.csrf {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if r.PostForm.Get("username") != testUser || r.PostForm.Get("password") != testPassword {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid credentials"}`))
		return
	}

	if fb.requireTwoFactor {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "authed", Value: "1", Path: "/"})
	w.Header().Set("Location", "/oauth/v2/authorize")
	w.WriteHeader(http.StatusFound)
}

func (fb *fakeBlink) handleVerify(w http.ResponseWriter, r *http.Request) {
	fb.hit("verify")
	require.NoError(fb.t, r.ParseForm())

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if r.PostForm.Get("csrf-token") != fb.csrf || r.PostForm.Get("remember_me") != "false" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if r.PostForm.Get("2fa_code") != test2FACode {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"invalid-code"}`))
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "authed", Value: "1", Path: "/"})
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(`{"status":"auth-completed"}`))
}

func (fb *fakeBlink) handleToken(w http.ResponseWriter, r *http.Request) {
	require.NoError(fb.t, r.ParseForm())

	fb.mu.Lock()
	defer fb.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		fb.hits["token"]++
		if fb.tokenStatus != 0 {
			w.WriteHeader(fb.tokenStatus)
			return
		}

		if r.PostForm.Get("code") != fb.code || !pkce.Verify(r.PostForm.Get("code_verifier"), fb.challenge) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		})
	case "refresh_token":
		fb.hits["refresh"]++

		// Sleep unlocked so tests can watch counters meanwhile.
		delay := fb.refreshDelay
		fb.mu.Unlock()
		time.Sleep(delay)
		fb.mu.Lock()

		if fb.refreshStatus != 0 {
			w.WriteHeader(fb.refreshStatus)
			return
		}

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"expires_in":    7200,
		})
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (fb *fakeBlink) handleTierInfo(w http.ResponseWriter, r *http.Request) {
	fb.hit("tier_info")

	if r.Header.Get("Authorization") != "Bearer access-1" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	fb.mu.Lock()
	body := fb.tierBody
	fb.mu.Unlock()

	if body == "" {
		body = fmt.Sprintf(`{"tier":%q,"account_id":%d}`, testTier, testAccount)
	}

	w.Write([]byte(body))
}

// seedSession stores a session as if a login had completed.
func seedSession(t *testing.T, store SecretStore, mutate func(*models.Session)) *models.Session {
	t.Helper()

	s := models.NewSession(testAccount, testTier, DefaultVendorDomain)
	s.AuthToken = "rest-token"
	s.RefreshToken = "refresh-1"
	s.Username = testUser
	s.HardwareID = "HW-1"

	if mutate != nil {
		mutate(s)
	}

	require.NoError(t, saveSession(store, s))

	return s
}

// newTestClient returns a REST client pointed at srv with a seeded
// session.
func newTestClient(t *testing.T, srv *httptest.Server, store SecretStore) (*Client, *Auth) {
	t.Helper()

	auth := NewAuth(Config{OAuthURL: srv.URL, TierURL: srv.URL}, store, srv.Client(), testLogger())
	c := NewClient(auth, testLogger())
	c.baseURL = srv.URL

	return c, auth
}
