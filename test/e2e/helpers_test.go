package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/blink-sync/internal/blink"
	"github.com/alexjbarnes/blink-sync/internal/drive"
	"github.com/alexjbarnes/blink-sync/internal/pkce"
	"github.com/alexjbarnes/blink-sync/internal/state"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "owner@example.com"
	testPassword = "hunter2 & more"
	testCode     = "424242"
	testAccount  = 77
	testNetwork  = 5
	testCamera   = 501

	googleClientID = "e2e-client.apps.googleusercontent.com"
	googleCallback = "http://127.0.0.1:18085/callback"
)

// fakeClip is a recording the fake cloud serves.
type fakeClip struct {
	ID      int64
	Created time.Time
	Data    string // "" until the clip is uploaded
}

// blinkCloud emulates the vendor OAuth server and REST API on one host.
type blinkCloud struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	csrf      string
	challenge string
	clips     []fakeClip
	snapshots int
	hits      map[string]int
}

func newBlinkCloud(t *testing.T) *blinkCloud {
	t.Helper()

	bc := &blinkCloud{t: t, hits: make(map[string]int)}

	r := mux.NewRouter()
	r.HandleFunc("/oauth/v2/authorize", bc.authorize).Methods(http.MethodGet)
	r.HandleFunc("/oauth/v2/signin", bc.signinPage).Methods(http.MethodGet)
	r.HandleFunc("/oauth/v2/signin", bc.signin).Methods(http.MethodPost)
	r.HandleFunc("/oauth/v2/2fa/verify", bc.verify).Methods(http.MethodPost)
	r.HandleFunc("/oauth/token", bc.token).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/users/tier_info", bc.tierInfo).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(bc.requireBearer)
	api.HandleFunc(fmt.Sprintf("/api/v3/accounts/%d/homescreen", testAccount), bc.homescreen).Methods(http.MethodGet)
	api.HandleFunc(fmt.Sprintf("/api/v1/accounts/%d/media/changed", testAccount), bc.mediaChanged).Methods(http.MethodGet)
	api.HandleFunc("/network/{network}/camera/{camera}/thumbnail", bc.requestSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/media/thumb-{n}.jpg", bc.thumbnail).Methods(http.MethodGet)
	api.HandleFunc("/media/clip-{id}.mp4", bc.clipMedia).Methods(http.MethodGet)

	bc.srv = httptest.NewServer(r)
	t.Cleanup(bc.srv.Close)

	return bc
}

func (bc *blinkCloud) config() blink.Config {
	return blink.Config{
		OAuthURL: bc.srv.URL,
		TierURL:  bc.srv.URL,
		RESTURL:  bc.srv.URL,
	}
}

func (bc *blinkCloud) hit(name string) {
	bc.mu.Lock()
	bc.hits[name]++
	bc.mu.Unlock()
}

func (bc *blinkCloud) count(name string) int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.hits[name]
}

func (bc *blinkCloud) addClip(c fakeClip) {
	bc.mu.Lock()
	bc.clips = append(bc.clips, c)
	bc.mu.Unlock()
}

func (bc *blinkCloud) authorize(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie("verified"); err == nil && c.Value == "yes" {
		w.Header().Set("Location", "immedia-blink://applinks.blink.com/signin/callback?code=vendor-code")
		w.WriteHeader(http.StatusFound)
		return
	}

	bc.mu.Lock()
	bc.challenge = r.URL.Query().Get("code_challenge")
	bc.mu.Unlock()

	io.WriteString(w, "<html>authorize</html>")
}

func (bc *blinkCloud) signinPage(w http.ResponseWriter, _ *http.Request) {
	bc.mu.Lock()
	bc.csrf = fmt.Sprintf("csrf-%d", time.Now().UnixNano())
	csrf := bc.csrf
	bc.mu.Unlock()

	fmt.Fprintf(w, `<html><head><script id="oauth-args" type="application/json">{"csrf-token": %q}</script></head></html>`, csrf)
}

func (bc *blinkCloud) signin(w http.ResponseWriter, r *http.Request) {
	require.NoError(bc.t, r.ParseForm())

	bc.mu.Lock()
	csrf := bc.csrf
	bc.mu.Unlock()

	if r.PostForm.Get("csrf-token") != csrf ||
		r.PostForm.Get("username") != testEmail ||
		r.PostForm.Get("password") != testPassword {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	// This account always asks for a code.
	w.WriteHeader(http.StatusPreconditionFailed)
}

func (bc *blinkCloud) verify(w http.ResponseWriter, r *http.Request) {
	bc.hit("verify")
	require.NoError(bc.t, r.ParseForm())

	if r.PostForm.Get("2fa_code") != testCode {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"status":"invalid-code"}`)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "verified", Value: "yes", Path: "/"})
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, `{"status":"auth-completed"}`)
}

func (bc *blinkCloud) token(w http.ResponseWriter, r *http.Request) {
	require.NoError(bc.t, r.ParseForm())

	bc.mu.Lock()
	challenge := bc.challenge
	bc.mu.Unlock()

	if r.PostForm.Get("code") != "vendor-code" || !pkce.Verify(r.PostForm.Get("code_verifier"), challenge) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"access_token":  "vendor-access",
		"refresh_token": "vendor-refresh",
		"expires_in":    3600,
	})
}

func (bc *blinkCloud) tierInfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer vendor-access" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	writeJSON(w, map[string]any{"tier": "e2e", "account_id": testAccount})
}

func (bc *blinkCloud) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer vendor-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (bc *blinkCloud) homescreen(w http.ResponseWriter, _ *http.Request) {
	bc.mu.Lock()
	n := bc.snapshots
	bc.mu.Unlock()

	writeJSON(w, map[string]any{
		"networks": []map[string]any{{"id": testNetwork, "name": "Home", "armed": true}},
		"cameras": []map[string]any{{
			"id":         testCamera,
			"name":       "Driveway",
			"network_id": testNetwork,
			"thumbnail":  fmt.Sprintf("/media/thumb-%d", n),
			"type":       "catalina",
		}},
	})
}

func (bc *blinkCloud) requestSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if vars["network"] != fmt.Sprint(testNetwork) || vars["camera"] != fmt.Sprint(testCamera) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	bc.mu.Lock()
	bc.snapshots++
	bc.mu.Unlock()

	writeJSON(w, map[string]any{"id": 1, "command": "thumbnail"})
}

func (bc *blinkCloud) thumbnail(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/jpeg")
	fmt.Fprintf(w, "jpeg-%s", mux.Vars(r)["n"])
}

func (bc *blinkCloud) mediaChanged(w http.ResponseWriter, r *http.Request) {
	bc.hit("media")

	since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
	require.NoError(bc.t, err)

	var media []map[string]any

	// Everything fits on page 1.
	if r.URL.Query().Get("page") == "1" {
		bc.mu.Lock()
		for _, c := range bc.clips {
			if c.Created.Before(since) {
				continue
			}

			m := map[string]any{
				"id":           c.ID,
				"created_at":   c.Created.Format(time.RFC3339),
				"device_name":  "Driveway",
				"network_name": "Home",
				"deleted":      false,
			}
			if c.Data != "" {
				m["media"] = fmt.Sprintf("/media/clip-%d.mp4", c.ID)
			}

			media = append(media, m)
		}
		bc.mu.Unlock()
	}

	writeJSON(w, map[string]any{"limit": 25, "media": media})
}

func (bc *blinkCloud) clipMedia(w http.ResponseWriter, r *http.Request) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for _, c := range bc.clips {
		if fmt.Sprint(c.ID) == mux.Vars(r)["id"] {
			w.Header().Set("Content-Type", "video/mp4")
			io.WriteString(w, c.Data)
			return
		}
	}

	w.WriteHeader(http.StatusNotFound)
}

// driveFile is an object stored by googleCloud.
type driveFile struct {
	ID       string
	Name     string
	MimeType string
	Parents  []string
	Data     string
}

// googleCloud emulates Google's token endpoint and the Drive v3 API.
type googleCloud struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	challenge string
	files     []driveFile
	creates   int
}

func newGoogleCloud(t *testing.T) *googleCloud {
	t.Helper()

	gc := &googleCloud{t: t}

	r := mux.NewRouter()
	r.HandleFunc("/token", gc.token).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer google-access" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	api.HandleFunc("/drive/v3/files", gc.list).Methods(http.MethodGet)
	api.HandleFunc("/drive/v3/files", gc.createFolder).Methods(http.MethodPost)
	api.HandleFunc("/upload/drive/v3/files", gc.upload).Methods(http.MethodPost)

	gc.srv = httptest.NewServer(r)
	t.Cleanup(gc.srv.Close)

	return gc
}

func (gc *googleCloud) config() drive.Config {
	return drive.Config{
		ClientID:    googleClientID,
		RedirectURL: googleCallback,
		AuthURL:     "https://accounts.example.test/o/oauth2/v2/auth",
		TokenURL:    gc.srv.URL + "/token",
	}
}

// apiClient sends Drive API requests for googleapis.com to the fake.
func (gc *googleCloud) apiClient() *http.Client {
	target, err := url.Parse(gc.srv.URL)
	require.NoError(gc.t, err)

	return &http.Client{Transport: rewriteHost{target: target}}
}

type rewriteHost struct {
	target *url.URL
}

func (rh rewriteHost) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rh.target.Scheme
	req.URL.Host = rh.target.Host
	req.Host = rh.target.Host

	return http.DefaultTransport.RoundTrip(req)
}

// Present plays the user approving consent in a browser.
func (gc *googleCloud) Present(_ context.Context, authURL, callbackURL string) (*url.URL, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, err
	}

	q := u.Query()

	gc.mu.Lock()
	gc.challenge = q.Get("code_challenge")
	gc.mu.Unlock()

	cb, err := url.Parse(callbackURL)
	if err != nil {
		return nil, err
	}

	cb.RawQuery = url.Values{"code": {"google-code"}, "state": {q.Get("state")}}.Encode()

	return cb, nil
}

func (gc *googleCloud) token(w http.ResponseWriter, r *http.Request) {
	require.NoError(gc.t, r.ParseForm())

	gc.mu.Lock()
	challenge := gc.challenge
	gc.mu.Unlock()

	if r.PostForm.Get("client_id") != googleClientID ||
		r.PostForm.Get("code") != "google-code" ||
		!pkce.Verify(r.PostForm.Get("code_verifier"), challenge) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"invalid_grant"}`)
		return
	}

	writeJSON(w, map[string]any{
		"access_token":  "google-access",
		"refresh_token": "google-refresh",
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func (gc *googleCloud) list(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	gc.mu.Lock()
	defer gc.mu.Unlock()

	files := []map[string]any{}

	for _, f := range gc.files {
		if f.MimeType == "application/vnd.google-apps.folder" && strings.Contains(query, fmt.Sprintf("name = '%s'", f.Name)) {
			files = append(files, map[string]any{"id": f.ID, "name": f.Name})
		}
	}

	writeJSON(w, map[string]any{"files": files})
}

func (gc *googleCloud) createFolder(w http.ResponseWriter, r *http.Request) {
	var meta struct {
		Name     string `json:"name"`
		MimeType string `json:"mimeType"`
	}
	require.NoError(gc.t, json.NewDecoder(r.Body).Decode(&meta))

	gc.mu.Lock()
	defer gc.mu.Unlock()

	gc.creates++
	id := fmt.Sprintf("folder-%d", gc.creates)
	gc.files = append(gc.files, driveFile{ID: id, Name: meta.Name, MimeType: meta.MimeType})

	writeJSON(w, map[string]any{"id": id})
}

func (gc *googleCloud) upload(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	require.NoError(gc.t, err)
	require.Equal(gc.t, "multipart/related", mediaType)

	mr := multipart.NewReader(r.Body, params["boundary"])

	metaPart, err := mr.NextPart()
	require.NoError(gc.t, err)

	var meta struct {
		Name     string   `json:"name"`
		MimeType string   `json:"mimeType"`
		Parents  []string `json:"parents"`
	}
	require.NoError(gc.t, json.NewDecoder(metaPart).Decode(&meta))

	dataPart, err := mr.NextPart()
	require.NoError(gc.t, err)

	data, err := io.ReadAll(dataPart)
	require.NoError(gc.t, err)

	gc.mu.Lock()
	defer gc.mu.Unlock()

	id := fmt.Sprintf("file-%d", len(gc.files)+1)
	gc.files = append(gc.files, driveFile{
		ID:       id,
		Name:     meta.Name,
		MimeType: meta.MimeType,
		Parents:  meta.Parents,
		Data:     string(data),
	})

	writeJSON(w, map[string]any{"id": id, "name": meta.Name, "size": fmt.Sprint(len(data))})
}

func (gc *googleCloud) folderCreates() int {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.creates
}

// uploads returns the stored non-folder files.
func (gc *googleCloud) uploads() []driveFile {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	var out []driveFile

	for _, f := range gc.files {
		if f.MimeType != "application/vnd.google-apps.folder" {
			out = append(out, f)
		}
	}

	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// openStore opens the state database at path, closing it with the test.
func openStore(t *testing.T, path string) *state.State {
	t.Helper()

	s, err := state.LoadAt(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func statePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.db")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
