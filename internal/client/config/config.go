package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/treesync/internal/utils"
)

const (
	DefaultPublishDebounceMs    = 300
	DefaultStabilityThresholdMs = 100
	DefaultPollIntervalMs       = 50
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigDir   = filepath.Join(home, ".treesync")
	DefaultConfigPath  = filepath.Join(DefaultConfigDir, "config.json")
	DefaultLogFilePath = filepath.Join(DefaultConfigDir, "logs", "treesync.log")
	DefaultServerURL   = "https://treesync.openmined.org"
)

var (
	ErrNoDir           = errors.New("config: dir is required")
	ErrNoAppID         = errors.New("config: app id is required")
	ErrInvalidAppID    = errors.New("config: app id may only contain letters, digits, '.', '_' and '-'")
	ErrNoServerURL     = errors.New("config: server url is required")
	ErrInvalidURL      = errors.New("config: server url must be http or https")
	ErrInvalidDuration = errors.New("config: durations must be positive")
)

var appIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type Config struct {
	Dir                  string `json:"dir"`
	AppID                string `json:"app_id"`
	ServerURL            string `json:"server_url"`
	AccessToken          string `json:"access_token,omitempty"`
	PublishDebounceMs    int    `json:"publish_debounce_ms"`
	StabilityThresholdMs int    `json:"stability_threshold_ms"`
	PollIntervalMs       int    `json:"poll_interval_ms"`
	Path                 string `json:"-"`
}

// Default returns a config with the timing defaults filled in.
func Default() *Config {
	return &Config{
		ServerURL:            DefaultServerURL,
		PublishDebounceMs:    DefaultPublishDebounceMs,
		StabilityThresholdMs: DefaultStabilityThresholdMs,
		PollIntervalMs:       DefaultPollIntervalMs,
		Path:                 DefaultConfigPath,
	}
}

// Validate checks the config and normalizes paths to absolute form.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return ErrNoDir
	}
	dir, err := utils.ResolvePath(c.Dir)
	if err != nil {
		return fmt.Errorf("config: dir: %w", err)
	}
	c.Dir = dir

	if c.AppID == "" {
		return ErrNoAppID
	}
	if !appIDPattern.MatchString(c.AppID) {
		return ErrInvalidAppID
	}

	if c.ServerURL == "" {
		return ErrNoServerURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, c.ServerURL)
	}

	if c.PublishDebounceMs <= 0 || c.StabilityThresholdMs <= 0 || c.PollIntervalMs <= 0 {
		return ErrInvalidDuration
	}

	if c.Path != "" {
		p, err := utils.ResolvePath(c.Path)
		if err != nil {
			return fmt.Errorf("config: path: %w", err)
		}
		c.Path = p
	}

	return nil
}

func (c *Config) PublishDebounce() time.Duration {
	return time.Duration(c.PublishDebounceMs) * time.Millisecond
}

func (c *Config) StabilityThreshold() time.Duration {
	return time.Duration(c.StabilityThresholdMs) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Save writes the config to c.Path. The file holds a token, so it is private.
func (c *Config) Save() error {
	if c.Path == "" {
		return errors.New("config: path is required")
	}
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return utils.WriteFileAtomic(c.Path, data, 0o600)
}

// ClearSession drops the access token and persists the change
// if the config was loaded from a file.
func (c *Config) ClearSession() error {
	c.AccessToken = ""
	if c.Path == "" || !utils.FileExists(c.Path) {
		return nil
	}
	return c.Save()
}

func LoadClientConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Path = path

	return cfg, nil
}
