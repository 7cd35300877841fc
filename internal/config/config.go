package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// FeedConfig describes how built-in short codes are turned into
// Hyperplanning ICS URLs.
type FeedConfig struct {
	// BaseURL is the ICS download root, ending with a slash.
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Version and Param are opaque query parameters required by the server.
	Version string `yaml:"version" json:"version"`
	Param   string `yaml:"param" json:"param"`
}

// CatalogConfig adds to (or overrides) the embedded short-code tables.
type CatalogConfig struct {
	Groups map[string]string `yaml:"groups,omitempty" json:"groups,omitempty"`
	Rooms  map[string]string `yaml:"rooms,omitempty" json:"rooms,omitempty"`
}

// ProfileConfig seeds the local profile on first run.
type ProfileConfig struct {
	// Group is the default selection: a group code, an ICS URL or "merged_view".
	Group string `yaml:"group" json:"group"`
	// Rappel is the reminder lead time in minutes.
	Rappel int `yaml:"rappel" json:"rappel"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used to split events into days.
	Timezone string `yaml:"timezone" json:"timezone"`

	// StorePath is the SQLite file holding the feed cache, the calendar
	// registry and the local profile.
	StorePath string `yaml:"store_path" json:"store_path"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used to re-resolve the default selection and replan reminders.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// FetchTimeoutSeconds bounds a single ICS download.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`
	// FetchRatePerMinute limits outbound ICS requests. Zero disables limiting.
	FetchRatePerMinute int `yaml:"fetch_rate_per_minute" json:"fetch_rate_per_minute"`
	// MaxConcurrentFetch bounds the merged view fan-out.
	MaxConcurrentFetch int `yaml:"max_concurrent_fetch" json:"max_concurrent_fetch"`

	// ExpandDays controls how far ahead recurring events are expanded.
	ExpandDays int `yaml:"expand_days" json:"expand_days"`

	BreakThresholdMinutes int `yaml:"break_threshold_minutes" json:"break_threshold_minutes"`
	MaxNotifications      int `yaml:"max_notifications" json:"max_notifications"`
	NotifySafetySeconds   int `yaml:"notify_safety_seconds" json:"notify_safety_seconds"`

	Feed    FeedConfig    `yaml:"feed" json:"feed"`
	Catalog CatalogConfig `yaml:"catalog" json:"catalog"`
	Profile ProfileConfig `yaml:"profile" json:"profile"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "Europe/Paris"
	defaultStorePath      = "./var/edtcal.db"
	defaultRefreshCron    = "*/15 * * * *"
	defaultFetchTimeout   = 15
	defaultMaxConcurrent  = 4
	defaultExpandDays     = 120
	defaultBreakThreshold = 75
	defaultMaxNotify      = 64
	defaultNotifySafety   = 5
	defaultRappel         = 15
	defaultFeedBaseURL    = "https://hplanning.univ-lehavre.fr/Telechargements/ical/"
	defaultFeedVersion    = "2022.0.5.0"
	defaultFeedParam      = "643d5b312e2e36325d2666683d3126663d31"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                defaultListen,
		Timezone:              defaultTimezone,
		StorePath:             defaultStorePath,
		RefreshCron:           defaultRefreshCron,
		LogLevel:              "info",
		LogFormat:             "text",
		FetchTimeoutSeconds:   defaultFetchTimeout,
		FetchRatePerMinute:    0,
		MaxConcurrentFetch:    defaultMaxConcurrent,
		ExpandDays:            defaultExpandDays,
		BreakThresholdMinutes: defaultBreakThreshold,
		MaxNotifications:      defaultMaxNotify,
		NotifySafetySeconds:   defaultNotifySafety,
		Feed: FeedConfig{
			BaseURL: defaultFeedBaseURL,
			Version: defaultFeedVersion,
			Param:   defaultFeedParam,
		},
		Profile: ProfileConfig{
			Rappel: defaultRappel,
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.StorePath == "" {
		c.StorePath = defaultStorePath
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		c.LogFormat = "text"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = defaultFetchTimeout
	}
	if c.FetchRatePerMinute < 0 {
		c.FetchRatePerMinute = 0
	}
	if c.MaxConcurrentFetch <= 0 {
		c.MaxConcurrentFetch = defaultMaxConcurrent
	}
	if c.ExpandDays <= 0 {
		c.ExpandDays = defaultExpandDays
	}
	if c.BreakThresholdMinutes <= 0 {
		c.BreakThresholdMinutes = defaultBreakThreshold
	}
	if c.MaxNotifications <= 0 {
		c.MaxNotifications = defaultMaxNotify
	}
	if c.NotifySafetySeconds < 0 {
		c.NotifySafetySeconds = defaultNotifySafety
	}
	if c.Feed.BaseURL == "" {
		c.Feed.BaseURL = defaultFeedBaseURL
	}
	if c.Feed.Version == "" {
		c.Feed.Version = defaultFeedVersion
	}
	if c.Feed.Param == "" {
		c.Feed.Param = defaultFeedParam
	}
	if c.Profile.Rappel <= 0 {
		c.Profile.Rappel = defaultRappel
	}
}

// FetchTimeout returns the configured per-request timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// BreakThreshold returns the minimum gap that produces a break.
func (c *Config) BreakThreshold() time.Duration {
	return time.Duration(c.BreakThresholdMinutes) * time.Minute
}

// NotifySafety returns the forward margin applied when planning reminders.
func (c *Config) NotifySafety() time.Duration {
	return time.Duration(c.NotifySafetySeconds) * time.Second
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".edtcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
