package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config represents the global ~/.chatd/config.toml plus environment
// overrides. File values load first, CHATD_* variables win.
type Config struct {
	DefaultSession string `toml:"default_session" env:"CHATD_DEFAULT_SESSION"`
	API            API    `toml:"api" envPrefix:"CHATD_API_"`
	Sync           Sync   `toml:"sync" envPrefix:"CHATD_SYNC_"`
}

// API configures the remote tutoring-platform endpoints. The bearer token is
// maintained by the external auth helper and read from TokenPath on each
// request, so a refreshed token is picked up without a daemon restart.
type API struct {
	BaseURL        string        `toml:"base_url" env:"BASE_URL"`
	StreamURL      string        `toml:"stream_url" env:"STREAM_URL"`
	TokenPath      string        `toml:"token_path" env:"TOKEN_PATH"`
	RequestTimeout time.Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// Sync configures the coordinator's polling cadence and backoff ceiling.
type Sync struct {
	PollInterval time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	MaxBackoff   time.Duration `toml:"max_backoff" env:"MAX_BACKOFF"`
}

// Defaults returns a config with working defaults for every tunable.
func Defaults() *Config {
	return &Config{
		API: API{
			RequestTimeout: 10 * time.Second,
		},
		Sync: Sync{
			PollInterval: 3 * time.Second,
			MaxBackoff:   60 * time.Second,
		},
	}
}

// Load reads config from the given path and applies environment overrides.
// A missing file is not an error; env-only configuration is valid.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
