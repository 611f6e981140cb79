package blink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps JSON and HTML response reads. Clip
	// downloads stream and are not subject to it.
	maxAPIResponseBytes = 1024 * 1024
)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so cookies and bearer tokens never
// leak to another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

func noRedirectPolicy(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// NewHTTPClient returns the client shared by Auth and Client.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout:       httpClientTimeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// request describes one call. followRedirects and jar are per call so a
// single shared client serves both the redirect-suppressing OAuth steps
// and ordinary API calls.
type request struct {
	method          string
	url             string
	body            string
	contentType     string
	bearer          string
	followRedirects bool
	jar             http.CookieJar
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// transport performs requests with a shared *http.Client.
type transport struct {
	client    *http.Client
	userAgent string
}

func (t *transport) clientFor(r request) *http.Client {
	c := *t.client
	c.Jar = r.jar

	if !r.followRedirects {
		c.CheckRedirect = noRedirectPolicy
	} else if c.CheckRedirect == nil {
		c.CheckRedirect = sameHostRedirectPolicy
	}

	return &c
}

func (t *transport) newRequest(ctx context.Context, r request) (*http.Request, error) {
	var body io.Reader
	if r.body != "" {
		body = strings.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}

	return req, nil
}

// open sends the request and returns the live response. The caller owns
// resp.Body.
func (t *transport) open(ctx context.Context, r request) (*http.Response, error) {
	req, err := t.newRequest(ctx, r)
	if err != nil {
		return nil, err
	}

	resp, err := t.clientFor(r).Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", r.method, pathOf(r.url), ctxErr)
		}

		return nil, apperrors.Network(r.method+" "+pathOf(r.url), err)
	}

	return resp, nil
}

// do sends the request and reads the whole (capped) body.
func (t *transport) do(ctx context.Context, r request) (*response, error) {
	resp, err := t.open(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, apperrors.Network("reading response from "+pathOf(r.url), err)
	}

	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// pathOf strips scheme, host and query from a URL for log and error
// messages, keeping tokens and codes out of them.
func pathOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.IndexByte(s, '/'); j >= 0 {
			s = s[j:]
		} else {
			s = "/"
		}
	}

	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}

	return s
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// logging. Limits to 256 bytes and replaces non-printable characters to
// prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
