package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultAPIURL    = "https://www.googleapis.com/drive/v3"
	DefaultUploadURL = "https://www.googleapis.com/upload/drive/v3"

	folderMimeType = "application/vnd.google-apps.folder"

	maxResponseBytes = 1024 * 1024
)

// TokenSource supplies bearer tokens. *Auth implements it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// File is an uploaded Drive file.
type File struct {
	ID   string
	Name string
	Size int64
}

// Uploader creates folders and uploads files in the user's Drive.
type Uploader struct {
	tokens TokenSource
	client *http.Client
	logger *slog.Logger

	apiURL    string
	uploadURL string
}

// NewUploader returns an uploader against the public Drive API. A nil
// httpClient uses http.DefaultClient.
func NewUploader(tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *Uploader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Uploader{
		tokens:    tokens,
		client:    httpClient,
		logger:    logger,
		apiURL:    DefaultAPIURL,
		uploadURL: DefaultUploadURL,
	}
}

// FindOrCreateFolder returns the id of the first non-trashed folder named
// name, creating it when none exists. Two concurrent callers may both
// create it; Drive allows duplicate names and later lookups pick one.
func (u *Uploader) FindOrCreateFolder(ctx context.Context, name string) (string, error) {
	name = norm.NFC.String(name)

	q := url.Values{
		"q":      {fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false", escapeQuery(name), folderMimeType)},
		"fields": {"files(id,name)"},
		"spaces": {"drive"},
	}

	body, err := u.call(ctx, http.MethodGet, u.apiURL+"/files?"+q.Encode(), "", nil)
	if err != nil {
		return "", fmt.Errorf("searching for folder %q: %w", name, err)
	}

	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("searching for folder %q: invalid JSON: %w", name, apperrors.ErrProtocol)
	}

	if id := gjson.GetBytes(body, "files.0.id"); id.Type == gjson.String && id.Str != "" {
		return id.Str, nil
	}

	meta, err := json.Marshal(map[string]string{"name": name, "mimeType": folderMimeType})
	if err != nil {
		return "", fmt.Errorf("encoding folder metadata: %w", err)
	}

	body, err = u.call(ctx, http.MethodPost, u.apiURL+"/files?fields=id", "application/json", strings.NewReader(string(meta)))
	if err != nil {
		return "", fmt.Errorf("creating folder %q: %w", name, err)
	}

	id := gjson.GetBytes(body, "id")
	if id.Type != gjson.String || id.Str == "" {
		return "", fmt.Errorf("creating folder %q: response missing id: %w", name, apperrors.ErrProtocol)
	}

	u.logger.Info("created drive folder", slog.String("name", name), slog.String("id", id.Str))

	return id.Str, nil
}

// Upload stores r as a new file in the folder with a multipart/related
// request carrying metadata and content.
func (u *Uploader) Upload(ctx context.Context, folderID, name, mimeType string, r io.Reader) (*File, error) {
	name = norm.NFC.String(name)

	meta, err := json.Marshal(map[string]any{
		"name":     name,
		"mimeType": mimeType,
		"parents":  []string{folderID},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding file metadata: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	done := make(chan struct{})

	go func() {
		defer close(done)
		pw.CloseWithError(writeRelated(mw, meta, mimeType, r))
	}()

	body, err := u.call(ctx, http.MethodPost,
		u.uploadURL+"/files?uploadType=multipart&fields=id,name,size",
		"multipart/related; boundary="+mw.Boundary(), pr)

	// Unblock the writer if the request ended before reading everything,
	// and make sure it no longer touches r once Upload returns.
	pr.CloseWithError(io.ErrClosedPipe)
	<-done

	if err != nil {
		return nil, fmt.Errorf("uploading %q: %w", name, err)
	}

	id := gjson.GetBytes(body, "id")
	if id.Type != gjson.String || id.Str == "" {
		return nil, fmt.Errorf("uploading %q: response missing id: %w", name, apperrors.ErrProtocol)
	}

	return &File{
		ID:   id.Str,
		Name: gjson.GetBytes(body, "name").String(),
		Size: gjson.GetBytes(body, "size").Int(),
	}, nil
}

func writeRelated(mw *multipart.Writer, meta []byte, mimeType string, r io.Reader) error {
	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return err
	}

	if _, err := part.Write(meta); err != nil {
		return err
	}

	part, err = mw.CreatePart(textproto.MIMEHeader{"Content-Type": {mimeType}})
	if err != nil {
		return err
	}

	if _, err := io.Copy(part, r); err != nil {
		return err
	}

	return mw.Close()
}

// call sends an authorized request and returns the capped body of a 2xx
// response.
func (u *Uploader) call(ctx context.Context, method, rawURL, contentType string, body io.Reader) ([]byte, error) {
	token, err := u.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	op := method + " " + req.URL.Path

	resp, err := u.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}

		return nil, apperrors.Network(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.Network("reading response from "+req.URL.Path, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s: %w", op, apperrors.ErrUnauthorized)
	}

	u.logger.Debug("drive request failed",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.String("body", truncate(data, 256)),
	)

	se := &apperrors.StatusError{Op: op, StatusCode: resp.StatusCode, Body: truncate(data, 256)}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &apperrors.TransientError{Err: se}
	}

	return nil, se
}

// escapeQuery escapes a value for a single-quoted Drive query string.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}

	return strings.ToValidUTF8(string(b), "?")
}
