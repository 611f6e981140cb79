package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/blink-sync/internal/blink"
	"github.com/alexjbarnes/blink-sync/internal/drive"
	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
	"github.com/alexjbarnes/blink-sync/internal/export"
	"github.com/alexjbarnes/blink-sync/internal/models"
)

const maxCodeAttempts = 3

func (a *app) login(ctx context.Context, _ []string) error {
	email := a.cfg.BlinkEmail
	password := a.cfg.BlinkPassword

	var err error

	if email == "" {
		if email, err = a.prompt("Blink email: "); err != nil {
			return err
		}
	}

	if password == "" {
		if password, err = a.prompt("Blink password: "); err != nil {
			return err
		}
	}

	a.logger.Info("signing in", slog.String("email", email))

	sess, err := a.blinkAuth.Login(ctx, email, password)
	if errors.Is(err, apperrors.ErrTwoFactorRequired) {
		fmt.Fprintln(os.Stderr, "Blink sent a verification code to your email or phone.")
		sess, err = a.verifyTwoFactor(ctx)
	}

	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}

	fmt.Fprintf(a.out, "Signed in as %s (account %d, tier %s)\n", sess.Username, sess.AccountID, sess.Tier)

	return nil
}

// verifyTwoFactor prompts until the code is accepted, a non-code error
// ends the attempt, or the user runs out of tries.
func (a *app) verifyTwoFactor(ctx context.Context) (*models.Session, error) {
	for attempt := 1; ; attempt++ {
		code, err := a.prompt("Verification code: ")
		if err != nil {
			a.cancelLogin()
			return nil, err
		}

		sess, err := a.blinkAuth.VerifyTwoFactor(ctx, code)
		if err == nil {
			return sess, nil
		}

		retry := errors.Is(err, apperrors.ErrUnauthorized) &&
			a.blinkAuth.State() == blink.StateAwaitingTwoFactor

		if !retry {
			return nil, err
		}

		if attempt == maxCodeAttempts {
			a.cancelLogin()
			return nil, err
		}

		fmt.Fprintln(os.Stderr, "Code rejected, try again.")
	}
}

// cancelLogin abandons the pending login. A failure to clear the stored
// session is logged rather than returned, so the caller's error wins.
func (a *app) cancelLogin() {
	if err := a.blinkAuth.Cancel(); err != nil {
		a.logger.Warn("failed to clear session", slog.String("error", err.Error()))
	}
}

func (a *app) logout(ctx context.Context, _ []string) error {
	if err := a.blinkAuth.Logout(ctx); err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	fmt.Fprintln(a.out, "Signed out of Blink")

	return nil
}

func (a *app) status(_ context.Context, _ []string) error {
	sess, err := a.blinkAuth.Session()

	switch {
	case errors.Is(err, apperrors.ErrAuthenticationRequired):
		fmt.Fprintln(a.out, "Blink: signed out")
	case err != nil:
		return err
	default:
		fmt.Fprintf(a.out, "Blink: %s (account %d, host %s)\n", sess.Username, sess.AccountID, sess.Host)

		if sess.ExpiresIn > 0 {
			fmt.Fprintf(a.out, "  token expires %s\n", sess.IssuedAt.Add(sess.ExpiresIn).Local().Format(time.RFC1123))
		}
	}

	if a.driveAuth.SignedIn() {
		fmt.Fprintln(a.out, "Drive: authorized")
	} else {
		fmt.Fprintln(a.out, "Drive: not authorized")
	}

	cursor, err := export.LoadCursor(a.store)
	if err != nil {
		return err
	}

	if !cursor.IsZero() {
		fmt.Fprintf(a.out, "Last export: clips up to %s\n", cursor.Local().Format(time.RFC1123))
	}

	return nil
}

func (a *app) cameras(ctx context.Context, _ []string) error {
	home, err := a.blink.Homescreen(ctx)
	if err != nil {
		return err
	}

	networks := make(map[int64]string, len(home.Networks))
	for _, n := range home.Networks {
		networks[n.ID] = n.Name
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tNETWORK\tSTATUS\tBATTERY")

	for _, c := range home.Cameras {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Type, networks[c.NetworkID], c.Status, c.Battery)
	}

	return tw.Flush()
}

func (a *app) clips(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clips", flag.ContinueOnError)
	sinceFlag := fs.String("since", "", "only clips changed after this time (RFC 3339)")
	pages := fs.Int("pages", a.cfg.ExportMaxPages, "maximum pages to fetch, 0 for all")

	if err := fs.Parse(args); err != nil {
		return err
	}

	since, err := parseSince(*sinceFlag)
	if err != nil {
		return err
	}

	clips, err := a.blink.AllChangedMedia(ctx, since, *pages)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tCAMERA\tNETWORK\tMEDIA")

	for _, c := range clips {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.ID, c.CreatedAt.Local().Format(time.DateTime), c.DeviceName, c.NetworkName, c.Media)
	}

	return tw.Flush()
}

func (a *app) snapshot(ctx context.Context, args []string) error {
	cam, err := a.camera(ctx, args)
	if err != nil {
		return err
	}

	if err := a.blink.RequestSnapshot(ctx, cam); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Snapshot requested from %s\n", cam.Name)

	return nil
}

func (a *app) record(ctx context.Context, args []string) error {
	cam, err := a.camera(ctx, args)
	if err != nil {
		return err
	}

	if err := a.blink.RequestClip(ctx, cam); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Recording requested from %s\n", cam.Name)

	return nil
}

func (a *app) liveview(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: blink-sync liveview <camera> <dir>")
	}

	cam, err := a.camera(ctx, args[:1])
	if err != nil {
		return err
	}

	dir := args[1]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	lv := blink.NewLiveView(a.blink, *cam, a.cfg.LiveView(), nil, a.logger)

	fmt.Fprintf(os.Stderr, "Saving snapshots of %s to %s, press Ctrl-C to stop.\n", cam.Name, dir)

	return lv.Run(ctx, func(f blink.Frame) error {
		name := filepath.Join(dir, fmt.Sprintf("%d-%05d.jpg", f.CameraID, f.Seq))
		if err := os.WriteFile(name, f.Image, 0o644); err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}

		fmt.Fprintln(a.out, name)

		return nil
	})
}

func (a *app) driveLogin(ctx context.Context, _ []string) error {
	if err := a.cfg.RequireDrive(); err != nil {
		return err
	}

	if err := a.driveAuth.SignIn(ctx); err != nil {
		return fmt.Errorf("authorizing drive: %w", err)
	}

	fmt.Fprintln(a.out, "Drive authorized")

	return nil
}

func (a *app) driveLogout(_ context.Context, _ []string) error {
	if err := a.driveAuth.SignOut(); err != nil {
		return fmt.Errorf("signing out of drive: %w", err)
	}

	fmt.Fprintln(a.out, "Signed out of Drive")

	return nil
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	sinceFlag := fs.String("since", "", "export clips changed after this time instead of the saved cursor (RFC 3339)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.cfg.RequireDrive(); err != nil {
		return err
	}

	if !a.driveAuth.SignedIn() {
		return fmt.Errorf("run drive-login first: %w", apperrors.ErrNotAuthenticated)
	}

	since, err := parseSince(*sinceFlag)
	if err != nil {
		return err
	}

	if *sinceFlag == "" {
		cursor, err := export.LoadCursor(a.store)
		if err != nil {
			return err
		}

		// Clip times have second precision and the listing includes
		// clips at the cursor itself.
		if !cursor.IsZero() {
			since = cursor.Add(time.Second)
		}
	}

	exp := export.New(a.blink, drive.NewUploader(a.driveAuth, nil, a.logger), a.logger)

	sum, err := exp.Run(ctx, export.Options{
		Folder:      a.cfg.DriveFolder,
		Since:       since,
		MaxPages:    a.cfg.ExportMaxPages,
		Concurrency: a.cfg.ExportConcurrency,
	})
	if err != nil {
		return fmt.Errorf("exporting clips: %w", err)
	}

	for _, f := range sum.Uploaded {
		fmt.Fprintf(a.out, "uploaded %s (%d bytes)\n", f.Name, f.Size)
	}

	if len(sum.Failed) > 0 {
		for _, ce := range sum.Failed {
			fmt.Fprintf(os.Stderr, "clip %d: %v\n", ce.ClipID, ce.Err)
		}

		// The cursor stays put so failed clips are retried next run.
		return fmt.Errorf("%d of %d clips failed", len(sum.Failed), len(sum.Failed)+len(sum.Uploaded))
	}

	if !sum.Newest.IsZero() {
		if err := export.SaveCursor(a.store, sum.Newest); err != nil {
			return err
		}
	}

	fmt.Fprintf(a.out, "%d uploaded, %d not yet available\n", len(sum.Uploaded), sum.Skipped)

	return nil
}

// camera resolves args[0] as a camera id or name.
func (a *app) camera(ctx context.Context, args []string) (*blink.Camera, error) {
	if len(args) != 1 {
		return nil, errors.New("expected one camera id or name")
	}

	home, err := a.blink.Homescreen(ctx)
	if err != nil {
		return nil, err
	}

	if id, err := strconv.ParseInt(args[0], 10, 64); err == nil {
		if cam, ok := home.Camera(id); ok {
			return cam, nil
		}
	}

	if cam, ok := home.CameraByName(args[0]); ok {
		return cam, nil
	}

	return nil, fmt.Errorf("no camera %q on this account", args[0])
}

func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing -since: %w", err)
	}

	return t, nil
}
