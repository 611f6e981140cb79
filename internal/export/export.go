// Package export copies Blink clips into a Google Drive folder.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/blink-sync/internal/blink"
	"github.com/alexjbarnes/blink-sync/internal/drive"
	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
	"github.com/alexjbarnes/blink-sync/internal/state"
	"golang.org/x/sync/errgroup"
)

const (
	clipMimeType = "video/mp4"

	// cursorKey stores the newest exported clip time.
	cursorKey = "export.cursor"

	defaultConcurrency = 2
)

// ClipSource lists and downloads clips. *blink.Client implements it.
type ClipSource interface {
	AllChangedMedia(ctx context.Context, since time.Time, maxPages int) ([]blink.Clip, error)
	DownloadClip(ctx context.Context, clip *blink.Clip, w io.Writer) (int64, error)
}

// Destination stores files in a named folder. *drive.Uploader implements it.
type Destination interface {
	FindOrCreateFolder(ctx context.Context, name string) (string, error)
	Upload(ctx context.Context, folderID, name, mimeType string, r io.Reader) (*drive.File, error)
}

// Options control one export run.
type Options struct {
	Folder      string
	Since       time.Time
	MaxPages    int
	Concurrency int

	// TempDir holds clips between download and upload. Empty uses the
	// system temp directory.
	TempDir string
}

// ClipError records a clip that could not be exported.
type ClipError struct {
	ClipID int64
	Err    error
}

// Summary reports the outcome of a run.
type Summary struct {
	Uploaded []drive.File
	Skipped  int
	Failed   []ClipError

	// Newest is the latest clip time among uploaded clips.
	Newest time.Time
}

// Exporter moves clips from a source to a destination.
type Exporter struct {
	src    ClipSource
	dst    Destination
	logger *slog.Logger
}

// New returns an exporter.
func New(src ClipSource, dst Destination, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Exporter{src: src, dst: dst, logger: logger}
}

// Run exports every clip changed since opts.Since. Individual clip
// failures are collected in the summary; a rejected session on either
// side or a cancelled context stops the run and is returned.
func (e *Exporter) Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	clips, err := e.src.AllChangedMedia(ctx, opts.Since, opts.MaxPages)
	if err != nil {
		return nil, fmt.Errorf("listing clips: %w", err)
	}

	summary := &Summary{}

	var pending []blink.Clip

	for _, c := range clips {
		if c.Media == "" {
			summary.Skipped++
			continue
		}

		pending = append(pending, c)
	}

	if len(pending) == 0 {
		e.logger.Info("no clips to export", slog.Int("skipped", summary.Skipped))
		return summary, nil
	}

	// Resolved once so workers never race to create the folder.
	folderID, err := e.dst.FindOrCreateFolder(ctx, opts.Folder)
	if err != nil {
		return nil, fmt.Errorf("resolving folder %q: %w", opts.Folder, err)
	}

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, clip := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			f, err := e.exportClip(gctx, folderID, &clip, opts.TempDir)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if fatal(gctx, err) {
					return err
				}

				e.logger.Warn("clip export failed",
					slog.Int64("clip_id", clip.ID),
					slog.String("error", err.Error()),
				)
				summary.Failed = append(summary.Failed, ClipError{ClipID: clip.ID, Err: err})

				return nil
			}

			summary.Uploaded = append(summary.Uploaded, *f)
			if clip.CreatedAt.After(summary.Newest) {
				summary.Newest = clip.CreatedAt
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	e.logger.Info("export finished",
		slog.Int("uploaded", len(summary.Uploaded)),
		slog.Int("failed", len(summary.Failed)),
		slog.Int("skipped", summary.Skipped),
	)

	return summary, nil
}

// fatal reports errors that make every remaining clip fail the same way.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, apperrors.ErrUnauthorized) ||
		errors.Is(err, apperrors.ErrAuthenticationRequired)
}

// exportClip spools one clip through a temp file, which is removed on
// every path.
func (e *Exporter) exportClip(ctx context.Context, folderID string, clip *blink.Clip, tempDir string) (*drive.File, error) {
	tmp, err := os.CreateTemp(tempDir, "blink-clip-*.mp4")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	defer os.Remove(tmp.Name())
	defer tmp.Close()

	n, err := e.src.DownloadClip(ctx, clip, tmp)
	if err != nil {
		return nil, err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding temp file: %w", err)
	}

	f, err := e.dst.Upload(ctx, folderID, ClipName(clip), clipMimeType, tmp)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("clip exported",
		slog.Int64("clip_id", clip.ID),
		slog.Int64("bytes", n),
		slog.String("file_id", f.ID),
	)

	return f, nil
}

var nameReplacer = strings.NewReplacer("/", "-", `\`, "-", ":", "-", " ", "_")

// ClipName is the file name a clip is exported under, e.g.
// "20250102-030405_Front_Door_42.mp4". Clips with no timestamp use the id
// alone after the camera name.
func ClipName(clip *blink.Clip) string {
	device := nameReplacer.Replace(strings.TrimSpace(clip.DeviceName))
	if device == "" {
		device = "camera"
	}

	if clip.CreatedAt.IsZero() {
		return fmt.Sprintf("%s_%d.mp4", device, clip.ID)
	}

	return fmt.Sprintf("%s_%s_%d.mp4", clip.CreatedAt.UTC().Format("20060102-150405"), device, clip.ID)
}

// CursorStore persists the export cursor.
type CursorStore interface {
	Save(name string, blob []byte) error
	Load(name string) ([]byte, error)
}

// LoadCursor returns the time of the newest clip exported by a previous
// run, or the zero time if there was none.
func LoadCursor(store CursorStore) (time.Time, error) {
	data, err := store.Load(cursorKey)
	if errors.Is(err, state.ErrNotFound) {
		return time.Time{}, nil
	}

	if err != nil {
		return time.Time{}, fmt.Errorf("loading export cursor: %w", err)
	}

	var t time.Time
	if err := t.UnmarshalText(data); err != nil {
		return time.Time{}, fmt.Errorf("decoding export cursor: %w: %w", apperrors.ErrStorage, err)
	}

	return t, nil
}

// SaveCursor records t as the newest exported clip time.
func SaveCursor(store CursorStore, t time.Time) error {
	data, err := t.UTC().MarshalText()
	if err != nil {
		return fmt.Errorf("encoding export cursor: %w", err)
	}

	if err := store.Save(cursorKey, data); err != nil {
		return fmt.Errorf("saving export cursor: %w", err)
	}

	return nil
}
