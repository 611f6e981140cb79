package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexjbarnes/blink-sync/internal/blink"
	"github.com/alexjbarnes/blink-sync/internal/browser"
	"github.com/alexjbarnes/blink-sync/internal/config"
	"github.com/alexjbarnes/blink-sync/internal/drive"
	"github.com/alexjbarnes/blink-sync/internal/logging"
	"github.com/alexjbarnes/blink-sync/internal/state"
)

var Version = "dev"

const usage = `usage: blink-sync <command> [flags] [args]

commands:
  login                      sign in to Blink, prompting for a 2FA code if asked
  logout                     discard the Blink session
  status                     show what is signed in
  cameras                    list cameras
  clips [-since T] [-pages N]
                             list clips changed since T (RFC 3339)
  snapshot <camera>          ask a camera for a new thumbnail
  record <camera>            ask a camera to record a clip
  liveview <camera> <dir>    save snapshots into dir until interrupted
  drive-login                authorize Google Drive in the browser
  drive-logout               discard the Drive tokens
  export [-since T]          upload clips changed since the last export

<camera> is a camera id or name.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	case "version":
		fmt.Println(Version)
		return
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every command needs.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	blinkAuth *blink.Auth
	blink     *blink.Client
	driveAuth *drive.Auth
	store     *state.State

	in  *bufio.Scanner
	out io.Writer
}

func run(name string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("blink-sync starting",
		slog.String("version", Version),
		slog.String("command", name),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer store.Close()

	blinkAuth := blink.NewAuth(cfg.Blink(), store, nil, logger)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		blinkAuth: blinkAuth,
		blink:     blink.NewClient(blinkAuth, logger),
		driveAuth: drive.NewAuth(cfg.Drive(), store, browser.NewLoopback(logger), nil, logger),
		store:     store,
		in:        bufio.NewScanner(os.Stdin),
		out:       os.Stdout,
	}

	commands := map[string]func(context.Context, []string) error{
		"login":        a.login,
		"logout":       a.logout,
		"status":       a.status,
		"cameras":      a.cameras,
		"clips":        a.clips,
		"snapshot":     a.snapshot,
		"record":       a.record,
		"liveview":     a.liveview,
		"drive-login":  a.driveLogin,
		"drive-logout": a.driveLogout,
		"export":       a.export,
	}

	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q\n\n%s", name, usage)
	}

	err = cmd(ctx, args)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("interrupted")
		return nil
	}

	return err
}

func openStore(cfg *config.Config) (*state.State, error) {
	if cfg.StatePath != "" {
		return state.LoadAt(cfg.StatePath)
	}

	return state.Load()
}

// prompt reads one line from stdin after printing label to stderr.
func (a *app) prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)

	if !a.in.Scan() {
		if err := a.in.Err(); err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}

		return "", errors.New("no input")
	}

	return strings.TrimSpace(a.in.Text()), nil
}
