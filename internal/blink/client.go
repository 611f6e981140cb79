package blink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
	"github.com/alexjbarnes/blink-sync/internal/models"
)

// Client talks to the authenticated Blink REST API on behalf of the
// session held by an Auth.
type Client struct {
	auth   *Auth
	http   *transport
	logger *slog.Logger

	// baseURL overrides the session's host.
	baseURL string
}

// NewClient returns a REST client sharing auth's HTTP client.
func NewClient(auth *Auth, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		auth:    auth,
		http:    auth.http,
		logger:  logger,
		baseURL: strings.TrimSuffix(auth.cfg.RESTURL, "/"),
	}
}

func (c *Client) base(s *models.Session) string {
	if c.baseURL != "" {
		return c.baseURL
	}

	return s.BaseURL()
}

// resolve turns an API path or absolute media URL into a full URL.
// trusted is false for absolute URLs on another host, which must not be
// sent the bearer token.
func (c *Client) resolve(s *models.Session, p string) (target string, trusted bool) {
	base := c.base(s)

	if strings.HasPrefix(p, "https://") || strings.HasPrefix(p, "http://") {
		return p, sameOrigin(base, p)
	}

	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	return base + p, true
}

func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}

	ub, err := url.Parse(b)
	if err != nil {
		return false
	}

	return strings.EqualFold(ua.Scheme, ub.Scheme) && strings.EqualFold(ua.Host, ub.Host)
}

// open sends an authenticated request and checks the status. On 401 the
// session is torn down before ErrUnauthorized is returned. The caller
// owns the returned body.
func (c *Client) open(ctx context.Context, method, p, contentType string) (*http.Response, error) {
	s, err := c.auth.ValidSession(ctx)
	if err != nil {
		return nil, err
	}

	op := method + " " + pathOf(p)

	if contentType == "" {
		contentType = "application/json"
	}

	target, trusted := c.resolve(s, p)

	bearer := s.AuthToken
	if !trusted {
		bearer = ""
	}

	resp, err := c.http.open(ctx, request{
		method:          method,
		url:             target,
		bearer:          bearer,
		contentType:     contentType,
		followRedirects: true,
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && trusted {
		c.logger.Warn("session rejected, signing out", slog.String("op", op))

		if err := c.auth.invalidate(s); err != nil {
			c.logger.Warn("failed to clear session", slog.String("error", err.Error()))
		}

		return nil, fmt.Errorf("%s: %w", op, apperrors.ErrUnauthorized)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		c.logger.Debug("request failed",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.String("body", sanitizeResponseBody(body)),
		)
	}

	err = &apperrors.StatusError{Op: op, StatusCode: resp.StatusCode, Body: sanitizeResponseBody(body)}
	if isTransientStatus(resp.StatusCode) {
		return nil, &apperrors.TransientError{Err: err}
	}

	return nil, err
}

// call sends an authenticated request and returns the capped body.
func (c *Client) call(ctx context.Context, method, p string) ([]byte, error) {
	resp, err := c.open(ctx, method, p, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, apperrors.Network("reading response from "+pathOf(p), err)
	}

	return body, nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func (c *Client) accountID() (int64, error) {
	s, err := c.auth.Session()
	if err != nil {
		return 0, err
	}

	return s.AccountID, nil
}

// Homescreen returns the account's networks, cameras and minis.
func (c *Client) Homescreen(ctx context.Context) (*Homescreen, error) {
	acct, err := c.accountID()
	if err != nil {
		return nil, err
	}

	body, err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/v3/accounts/%d/homescreen", acct))
	if err != nil {
		return nil, fmt.Errorf("fetching homescreen: %w", err)
	}

	return decodeHomescreen(body)
}

// Thumbnail downloads the camera's latest thumbnail image.
func (c *Client) Thumbnail(ctx context.Context, cam *Camera) ([]byte, error) {
	if cam.Thumbnail == "" {
		return nil, fmt.Errorf("camera %q has no thumbnail yet", cam.Name)
	}

	body, err := c.call(ctx, http.MethodGet, thumbnailPath(cam.Thumbnail))
	if err != nil {
		return nil, fmt.Errorf("fetching thumbnail for %q: %w", cam.Name, err)
	}

	return body, nil
}

// thumbnailPath appends the .jpg extension older thumbnail paths omit.
func thumbnailPath(p string) string {
	if strings.Contains(p, "?") || path.Ext(p) != "" {
		return p
	}

	return p + ".jpg"
}

// RequestSnapshot asks the camera to capture a new thumbnail.
func (c *Client) RequestSnapshot(ctx context.Context, cam *Camera) error {
	p, err := c.commandPath(cam, "thumbnail")
	if err != nil {
		return err
	}

	if _, err := c.call(ctx, http.MethodPost, p); err != nil {
		return fmt.Errorf("requesting snapshot from %q: %w", cam.Name, err)
	}

	return nil
}

// RequestClip asks the camera to record a short clip.
func (c *Client) RequestClip(ctx context.Context, cam *Camera) error {
	p, err := c.commandPath(cam, "clip")
	if err != nil {
		return err
	}

	if _, err := c.call(ctx, http.MethodPost, p); err != nil {
		return fmt.Errorf("requesting clip from %q: %w", cam.Name, err)
	}

	return nil
}

// commandPath returns the per-camera or per-mini command endpoint.
func (c *Client) commandPath(cam *Camera, command string) (string, error) {
	if !cam.Mini {
		return fmt.Sprintf("/network/%d/camera/%d/%s", cam.NetworkID, cam.ID, command), nil
	}

	acct, err := c.accountID()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("/api/v1/accounts/%d/networks/%d/owls/%d/%s", acct, cam.NetworkID, cam.ID, command), nil
}

// ChangedMedia returns one page (1-based) of clips changed since t.
func (c *Client) ChangedMedia(ctx context.Context, since time.Time, page int) (*MediaPage, error) {
	acct, err := c.accountID()
	if err != nil {
		return nil, err
	}

	q := url.Values{
		"since": {since.UTC().Format(time.RFC3339)},
		"page":  {strconv.Itoa(page)},
	}

	body, err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/media/changed?%s", acct, q.Encode()))
	if err != nil {
		return nil, fmt.Errorf("listing media page %d: %w", page, err)
	}

	return decodeMediaPage(body)
}

// AllChangedMedia walks pages until one comes back empty or maxPages is
// reached, returning clips that are not deleted.
func (c *Client) AllChangedMedia(ctx context.Context, since time.Time, maxPages int) ([]Clip, error) {
	var clips []Clip

	for page := 1; maxPages <= 0 || page <= maxPages; page++ {
		mp, err := c.ChangedMedia(ctx, since, page)
		if err != nil {
			return nil, err
		}

		if len(mp.Clips) == 0 {
			break
		}

		for _, clip := range mp.Clips {
			if !clip.Deleted {
				clips = append(clips, clip)
			}
		}
	}

	return clips, nil
}

// DownloadClip streams the clip's bytes to w and returns the count.
func (c *Client) DownloadClip(ctx context.Context, clip *Clip, w io.Writer) (int64, error) {
	if clip.Media == "" {
		return 0, fmt.Errorf("clip %d has no media", clip.ID)
	}

	resp, err := c.open(ctx, http.MethodGet, clip.Media, "")
	if err != nil {
		return 0, fmt.Errorf("downloading clip %d: %w", clip.ID, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, apperrors.Network(fmt.Sprintf("downloading clip %d", clip.ID), err)
	}

	return n, nil
}
