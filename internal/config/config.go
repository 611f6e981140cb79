package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/blink-sync/internal/blink"
	"github.com/alexjbarnes/blink-sync/internal/drive"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for blink-sync.
type Config struct {
	// Blink account credentials. Only the login command needs them, and
	// it prompts for whatever is missing.
	BlinkEmail    string `env:"BLINK_EMAIL"`
	BlinkPassword string `env:"BLINK_PASSWORD"`

	// Vendor endpoints. Empty values use the production hosts.
	BlinkOAuthURL     string `env:"BLINK_OAUTH_URL"`
	BlinkTierURL      string `env:"BLINK_TIER_URL"`
	BlinkVendorDomain string `env:"BLINK_VENDOR_DOMAIN"`
	BlinkClientID     string `env:"BLINK_CLIENT_ID"`
	BlinkRESTURL      string `env:"BLINK_REST_URL"`

	// Secret store location. Defaults to ~/.blink-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Google installed-app OAuth client (required for Drive commands).
	GoogleClientID    string `env:"GOOGLE_CLIENT_ID"`
	GoogleRedirectURL string `env:"GOOGLE_REDIRECT_URL" envDefault:"http://127.0.0.1:8085/callback"`

	// Drive export settings.
	DriveFolder       string `env:"DRIVE_FOLDER" envDefault:"Blink"`
	ExportConcurrency int    `env:"EXPORT_CONCURRENCY" envDefault:"2"`
	ExportMaxPages    int    `env:"EXPORT_MAX_PAGES" envDefault:"10"`

	// Live view pacing.
	LiveViewSnapshotDelay time.Duration `env:"LIVEVIEW_SNAPSHOT_DELAY" envDefault:"3s"`
	LiveViewInterval      time.Duration `env:"LIVEVIEW_INTERVAL" envDefault:"2s"`
	LiveViewMaxFailures   int           `env:"LIVEVIEW_MAX_FAILURES" envDefault:"5"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath != "" {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ExportConcurrency < 1 {
		return fmt.Errorf("EXPORT_CONCURRENCY must be at least 1, got %d", c.ExportConcurrency)
	}

	if c.ExportMaxPages < 0 {
		return fmt.Errorf("EXPORT_MAX_PAGES must not be negative, got %d", c.ExportMaxPages)
	}

	if c.LiveViewSnapshotDelay < 0 || c.LiveViewInterval < 0 {
		return errors.New("LIVEVIEW_SNAPSHOT_DELAY and LIVEVIEW_INTERVAL must not be negative")
	}

	if c.LiveViewMaxFailures < 1 {
		return fmt.Errorf("LIVEVIEW_MAX_FAILURES must be at least 1, got %d", c.LiveViewMaxFailures)
	}

	for name, raw := range map[string]string{
		"BLINK_OAUTH_URL": c.BlinkOAuthURL,
		"BLINK_TIER_URL":  c.BlinkTierURL,
		"BLINK_REST_URL":  c.BlinkRESTURL,
	} {
		if raw == "" {
			continue
		}

		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}

	return nil
}

// RequireDrive reports an error naming what is missing for the Drive
// commands.
func (c *Config) RequireDrive() error {
	if c.GoogleClientID == "" {
		return errors.New("GOOGLE_CLIENT_ID is required for Drive commands")
	}

	if c.GoogleRedirectURL == "" {
		return errors.New("GOOGLE_REDIRECT_URL is required for Drive commands")
	}

	if c.DriveFolder == "" {
		return errors.New("DRIVE_FOLDER must not be empty")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Blink returns the vendor client configuration. Unset fields fall back
// to the production defaults inside the blink package.
func (c *Config) Blink() blink.Config {
	return blink.Config{
		OAuthURL:     c.BlinkOAuthURL,
		TierURL:      c.BlinkTierURL,
		VendorDomain: c.BlinkVendorDomain,
		ClientID:     c.BlinkClientID,
		RESTURL:      c.BlinkRESTURL,
	}
}

// Drive returns the Google OAuth client configuration.
func (c *Config) Drive() drive.Config {
	return drive.Config{
		ClientID:    c.GoogleClientID,
		RedirectURL: c.GoogleRedirectURL,
	}
}

// LiveView returns the live view pacing policy.
func (c *Config) LiveView() blink.LiveViewPolicy {
	p := blink.DefaultLiveViewPolicy()
	p.SnapshotDelay = c.LiveViewSnapshotDelay
	p.Interval = c.LiveViewInterval
	p.MaxFailures = c.LiveViewMaxFailures

	return p
}
