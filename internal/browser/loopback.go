// Package browser presents OAuth consent pages in the system browser and
// captures the redirect on a loopback listener.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"time"

	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 2 * time.Second
)

const donePage = `<!DOCTYPE html>
<html><head><title>blink-sync</title></head>
<body><p>Sign-in complete. You can close this window.</p></body></html>`

// Loopback is a one-shot redirect receiver for installed-app OAuth.
type Loopback struct {
	// Open launches the browser. Nil uses the platform opener.
	Open func(rawURL string) error

	// Out receives the URL for manual use. Nil prints nothing.
	Out io.Writer

	logger *slog.Logger
}

// NewLoopback returns a relay that opens the system browser and also
// prints the URL to stderr for headless machines.
func NewLoopback(logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}

	return &Loopback{Open: openURL, Out: os.Stderr, logger: logger}
}

// Present opens authURL and waits for the provider to redirect to
// callbackURL, which must be an http URL on a loopback address. It returns
// the full redirect URL including its query. Cancelling ctx returns
// ErrUserCancelled.
func (l *Loopback) Present(ctx context.Context, authURL, callbackURL string) (*url.URL, error) {
	cb, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("parsing callback url: %w", err)
	}

	if err := checkLoopback(cb); err != nil {
		return nil, err
	}

	path := cb.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", cb.Host)
	if err != nil {
		return nil, fmt.Errorf("listening for oauth callback on %s: %w", cb.Host, err)
	}

	result := make(chan *url.URL, 1)

	srv := &http.Server{
		ReadHeaderTimeout: readHeaderTimeout,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != path {
				http.NotFound(w, r)
				return
			}

			got := *cb
			got.RawQuery = r.URL.RawQuery

			select {
			case result <- &got:
			default:
			}

			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, donePage)
		}),
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Warn("oauth callback server stopped", slog.String("error", err.Error()))
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	l.launch(authURL)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for browser sign-in: %w", apperrors.ErrUserCancelled)
	case u := <-result:
		return u, nil
	}
}

func (l *Loopback) launch(authURL string) {
	open := l.Open
	if open == nil {
		open = openURL
	}

	if err := open(authURL); err != nil {
		l.logger.Warn("could not open browser", slog.String("error", err.Error()))
	}

	if l.Out != nil {
		fmt.Fprintf(l.Out, "If the browser did not open, visit:\n\n  %s\n\n", authURL)
	}
}

func checkLoopback(u *url.URL) error {
	if u.Scheme != "http" {
		return fmt.Errorf("callback url must use http on a loopback address, got %q", u.Scheme)
	}

	if u.Port() == "" {
		return fmt.Errorf("callback url %q needs an explicit port", u.String())
	}

	host := u.Hostname()
	if host == "localhost" {
		return nil
	}

	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("callback host %q is not a loopback address", host)
	}

	return nil
}

// openURL launches the platform's default browser.
func openURL(rawURL string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", rawURL)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", rawURL)
	default:
		cmd = exec.Command("xdg-open", rawURL)
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	go cmd.Wait()

	return nil
}
