package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override profile values.
const (
	EnvServerURL = "CHATCORE_SERVER_URL"
	EnvIdentity  = "CHATCORE_IDENTITY"
	EnvToken     = "CHATCORE_TOKEN"
	EnvHome      = "CHATCORE_HOME"
)

// Config represents the global ~/.chatcore/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Duration is a time.Duration written as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Tunables are the timing knobs of the sync core. Zero values fall back to
// the component defaults.
type Tunables struct {
	DuplicateWindow   Duration `toml:"duplicate_window"`
	TypingExpiry      Duration `toml:"typing_expiry"`
	TypingDebounce    Duration `toml:"typing_debounce"`
	ReconnectInterval Duration `toml:"reconnect_interval"`
	MaxAttempts       int      `toml:"max_attempts"`
	SendTimeout       Duration `toml:"send_timeout"`
	PageSize          int      `toml:"page_size"`
}

// DefaultTunables mirrors the component defaults.
func DefaultTunables() Tunables {
	return Tunables{
		DuplicateWindow:   Duration{5 * time.Second},
		TypingExpiry:      Duration{3 * time.Second},
		TypingDebounce:    Duration{300 * time.Millisecond},
		ReconnectInterval: Duration{30 * time.Second},
		MaxAttempts:       5,
		SendTimeout:       Duration{5 * time.Second},
		PageSize:          20,
	}
}

// Profile is the per-profile profile.toml.
type Profile struct {
	ServerURL string   `toml:"server_url"`
	Identity  string   `toml:"identity"`
	Token     string   `toml:"token"`
	Tunables  Tunables `toml:"tunables"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// LoadProfile reads a profile file. A missing file yields the defaults.
// Tunables not present in the file keep their default values.
func LoadProfile(path string) (*Profile, error) {
	p := &Profile{Tunables: DefaultTunables()}
	if _, err := toml.DecodeFile(path, p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
		return nil, fmt.Errorf("load profile %s: %w", path, err)
	}
	return p, nil
}

// SaveProfile writes a profile file with 0600 permissions; it holds a token.
func SaveProfile(path string, p *Profile) error {
	return writeTOML(path, p)
}

// LoadEnv loads the given .env files into the process environment. Missing
// files are ignored; variables already set win.
func LoadEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overrides profile values with CHATCORE_* variables.
func (p *Profile) ApplyEnv() {
	if v := os.Getenv(EnvServerURL); v != "" {
		p.ServerURL = v
	}
	if v := os.Getenv(EnvIdentity); v != "" {
		p.Identity = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		p.Token = v
	}
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
