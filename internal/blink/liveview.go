package blink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
	"github.com/cenkalti/backoff/v5"
)

// Clock abstracts time for the live view loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// LiveViewPolicy controls pacing and failure handling of the live view
// loop.
type LiveViewPolicy struct {
	// SnapshotDelay is the wait between asking for a snapshot and
	// fetching it, giving the camera time to wake and upload.
	SnapshotDelay time.Duration

	// Interval is the wait between delivered frames.
	Interval time.Duration

	// MaxFailures consecutive failed frames stop the loop.
	MaxFailures int

	// Backoff spaces retries after a failure. Nil means exponential
	// backoff starting at one second and capped at one minute.
	Backoff backoff.BackOff
}

// DefaultLiveViewPolicy matches the cadence of the vendor app.
func DefaultLiveViewPolicy() LiveViewPolicy {
	return LiveViewPolicy{
		SnapshotDelay: 3 * time.Second,
		Interval:      2 * time.Second,
		MaxFailures:   5,
	}
}

// Frame is one captured snapshot.
type Frame struct {
	Seq      int
	CameraID int64
	Image    []byte
	At       time.Time
}

// snapshotSource is the slice of Client used by LiveView.
type snapshotSource interface {
	RequestSnapshot(ctx context.Context, cam *Camera) error
	Homescreen(ctx context.Context) (*Homescreen, error)
	Thumbnail(ctx context.Context, cam *Camera) ([]byte, error)
}

// LiveView approximates a live feed by polling snapshots: request a
// snapshot, wait, fetch the new thumbnail, deliver it, repeat.
type LiveView struct {
	src    snapshotSource
	camera Camera
	policy LiveViewPolicy
	clock  Clock
	logger *slog.Logger
}

// NewLiveView creates a live view of cam. A nil clock uses wall time.
func NewLiveView(src *Client, cam Camera, policy LiveViewPolicy, clock Clock, logger *slog.Logger) *LiveView {
	return newLiveView(src, cam, policy, clock, logger)
}

func newLiveView(src snapshotSource, cam Camera, policy LiveViewPolicy, clock Clock, logger *slog.Logger) *LiveView {
	if clock == nil {
		clock = realClock{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	if policy.MaxFailures <= 0 {
		policy.MaxFailures = DefaultLiveViewPolicy().MaxFailures
	}

	if policy.Backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = time.Minute
		policy.Backoff = b
	}

	return &LiveView{
		src:    src,
		camera: cam,
		policy: policy,
		clock:  clock,
		logger: logger.With(slog.String("camera", cam.Name)),
	}
}

// Run delivers frames to sink until ctx is cancelled, sink returns an
// error, the session is rejected, the camera is no longer listed, or
// MaxFailures consecutive captures fail.
func (lv *LiveView) Run(ctx context.Context, sink func(Frame) error) error {
	lv.policy.Backoff.Reset()

	failures := 0
	seq := 0

	for {
		img, err := lv.capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, apperrors.ErrUnauthorized) ||
				errors.Is(err, apperrors.ErrAuthenticationRequired) ||
				errors.Is(err, errCameraGone) {
				return err
			}

			failures++
			if failures >= lv.policy.MaxFailures {
				return fmt.Errorf("live view stopped after %d consecutive failures: %w", failures, err)
			}

			wait := lv.policy.Backoff.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("live view gave up: %w", err)
			}

			lv.logger.Warn("snapshot failed, backing off",
				slog.String("error", err.Error()),
				slog.Int("failures", failures),
				slog.Duration("wait", wait),
			)

			if err := lv.sleep(ctx, wait); err != nil {
				return err
			}

			continue
		}

		failures = 0
		lv.policy.Backoff.Reset()
		seq++

		if err := sink(Frame{Seq: seq, CameraID: lv.camera.ID, Image: img, At: lv.clock.Now()}); err != nil {
			return err
		}

		if err := lv.sleep(ctx, lv.policy.Interval); err != nil {
			return err
		}
	}
}

// errCameraGone ends a live view whose camera left the account.
var errCameraGone = errors.New("camera no longer listed")

func (lv *LiveView) capture(ctx context.Context) ([]byte, error) {
	if err := lv.src.RequestSnapshot(ctx, &lv.camera); err != nil {
		return nil, err
	}

	if err := lv.sleep(ctx, lv.policy.SnapshotDelay); err != nil {
		return nil, err
	}

	// The thumbnail path changes with every snapshot.
	home, err := lv.src.Homescreen(ctx)
	if err != nil {
		return nil, err
	}

	cam, ok := home.Camera(lv.camera.ID)
	if !ok {
		return nil, fmt.Errorf("camera %d: %w: %w", lv.camera.ID, errCameraGone, apperrors.ErrProtocol)
	}

	lv.camera = *cam

	return lv.src.Thumbnail(ctx, cam)
}

func (lv *LiveView) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-lv.clock.After(d):
		return nil
	}
}
