// Package config provides configuration management for photarc.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds the client settings. Loaded from the TOML config file, then
// overridden by PHOTARC_* environment variables. A .env file in the working
// directory is read first so local overrides do not need exporting.
//
// Config file location: ~/.photarc/config.toml
//
// TOML format:
//
//	server_url = "https://photarc.example.com"
//	token = "<jwt>"
//	client_id = "desk-1"
//	download_dir = "~/Downloads/photarc"
//
//	[reconnect]
//	max_retries = 5
//	retry_delay = "1s"
type Config struct {
	// ServerURL is the base URL of the policy server. The websocket
	// endpoint is derived from it.
	ServerURL string `toml:"server_url"`

	// Token is the JWT presented on dial.
	Token string `toml:"token"`

	// ClientID identifies this client session to the server. Defaults to
	// the hostname.
	ClientID string `toml:"client_id"`

	// DownloadDir is where browser-delivered archives are written.
	// Default: ~/Downloads/photarc
	DownloadDir string `toml:"download_dir"`

	Reconnect ReconnectConfig `toml:"reconnect"`
}

// ReconnectConfig bounds the channel's reconnect loop.
type ReconnectConfig struct {
	// MaxRetries is the number of reconnect attempts before giving up.
	// Default: 5
	MaxRetries int `toml:"max_retries"`

	// RetryDelay is the base delay; attempt n waits n times this.
	// Default: 1s
	RetryDelay duration `toml:"retry_delay"`
}

// duration lets TOML carry delays as "1s"/"500ms" strings.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the delay as a time.Duration.
func (c ReconnectConfig) Duration() time.Duration {
	return time.Duration(c.RetryDelay)
}

// Validation errors
var (
	ErrMissingServerURL = errors.New("server_url is required")
	ErrMissingToken     = errors.New("token is required")
)

// DefaultPath returns the default config file path, ~/.photarc/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".photarc", "config.toml"), nil
}

// DefaultDownloadDir returns the default archive destination.
func DefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "photarc")
	}
	return filepath.Join(home, "Downloads", "photarc")
}

// Load reads the config file at path (the default path when path is empty),
// applies defaults and environment overrides, and validates. A missing file
// is not an error; environment variables alone can configure the client.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadForLogin reads the config like Load but does not require a token.
// The login command runs before a token exists; the server URL must still
// come from the file, the environment, or the command line.
func LoadForLogin(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	// Best effort; absence of a .env file is the normal case.
	_ = godotenv.Load()

	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PHOTARC_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("PHOTARC_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("PHOTARC_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv("PHOTARC_DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("PHOTARC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reconnect.MaxRetries = n
		}
	}
	if v := os.Getenv("PHOTARC_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Reconnect.RetryDelay = duration(d)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		if host, err := os.Hostname(); err == nil {
			c.ClientID = host
		} else {
			c.ClientID = "photarc"
		}
	}
	if c.DownloadDir == "" {
		c.DownloadDir = DefaultDownloadDir()
	}
	if c.Reconnect.MaxRetries == 0 {
		c.Reconnect.MaxRetries = 5
	}
	if c.Reconnect.RetryDelay == 0 {
		c.Reconnect.RetryDelay = duration(time.Second)
	}
}

// Validate checks that the config can open a session.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return ErrMissingServerURL
	}
	if c.Token == "" {
		return ErrMissingToken
	}
	return nil
}

// Save writes the config to path, creating its directory. Used by the
// login flow to persist a fresh token.
func (c *Config) Save(path string) error {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
