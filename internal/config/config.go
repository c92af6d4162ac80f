// Package config persists CLI configuration and credentials under
// ~/.config/palss: config.json for settings, auth.json for secrets.
// Environment variables override file values.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// RemoteConfig holds the remote data service settings.
type RemoteConfig struct {
	URL        string `json:"url"`
	TimeoutSec int    `json:"timeout_sec,omitempty"` // 0 = default 30
}

// AutoPullConfig holds the replication schedule defaults applied when a
// fresh cache has no persisted schedule yet.
type AutoPullConfig struct {
	Enabled     *bool `json:"enabled,omitempty"`      // nil = default true
	IntervalSec int   `json:"interval_sec,omitempty"` // 0 = default 60
}

// Config is the global settings file at ~/.config/palss/config.json.
type Config struct {
	Remote   RemoteConfig   `json:"remote"`
	Mode     string         `json:"mode,omitempty"` // "local" or "remote"
	DataDir  string         `json:"data_dir,omitempty"`
	AutoPull AutoPullConfig `json:"auto_pull"`
}

// Credentials stores authentication state at ~/.config/palss/auth.json.
type Credentials struct {
	APIKey   string `json:"api_key"`
	UserID   string `json:"user_id"`
	OrgID    string `json:"org_id"`
	Email    string `json:"email"`
	DeviceID string `json:"device_id"`
}

const (
	defaultRemoteURL  = "http://localhost:8080"
	defaultMode       = "local"
	defaultTimeoutSec = 30
)

// Dir returns ~/.config/palss, creating it if necessary. PALSS_CONFIG_DIR
// overrides the location.
func Dir() (string, error) {
	if v := os.Getenv("PALSS_CONFIG_DIR"); v != "" {
		if err := os.MkdirAll(v, 0755); err != nil {
			return "", fmt.Errorf("create config dir: %w", err)
		}
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "palss")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Load reads the global config. A missing file yields the zero config.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the global config.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads credentials. A missing file yields nil.
func LoadAuth() (*Credentials, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes credentials (0600 perms).
func SaveAuth(creds *Credentials) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, "auth.json"), data, 0600)
}

// ClearAuth removes the auth.json file.
func ClearAuth() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "auth.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// writeAtomic writes via a temp file and rename so a crash mid-write
// never leaves a truncated config.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// RemoteURL returns the remote service URL.
// Priority: PALSS_REMOTE_URL env > config.json > default.
func RemoteURL() string {
	if v := os.Getenv("PALSS_REMOTE_URL"); v != "" {
		return v
	}
	cfg, err := Load()
	if err == nil && cfg.Remote.URL != "" {
		return cfg.Remote.URL
	}
	return defaultRemoteURL
}

// RemoteTimeout returns the remote request timeout.
// Priority: PALSS_REMOTE_TIMEOUT env (seconds) > config.json > 30s.
func RemoteTimeout() time.Duration {
	if v := os.Getenv("PALSS_REMOTE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	cfg, err := Load()
	if err == nil && cfg.Remote.TimeoutSec > 0 {
		return time.Duration(cfg.Remote.TimeoutSec) * time.Second
	}
	return defaultTimeoutSec * time.Second
}

// Mode returns the configured data mode.
// Priority: PALSS_MODE env > config.json > "local".
func Mode() string {
	if v := os.Getenv("PALSS_MODE"); v != "" {
		return v
	}
	cfg, err := Load()
	if err == nil && cfg.Mode != "" {
		return cfg.Mode
	}
	return defaultMode
}

// DataPath returns the sqlite cache path.
// Priority: PALSS_DATA_DIR env > config.json data_dir > config dir.
func DataPath() (string, error) {
	if v := os.Getenv("PALSS_DATA_DIR"); v != "" {
		if err := os.MkdirAll(v, 0755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
		return filepath.Join(v, "palss.db"), nil
	}
	cfg, err := Load()
	if err == nil && cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
		return filepath.Join(cfg.DataDir, "palss.db"), nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "palss.db"), nil
}

// APIKey returns the remote API key.
// Priority: PALSS_API_KEY env > auth.json.
func APIKey() string {
	if v := os.Getenv("PALSS_API_KEY"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.APIKey
	}
	return ""
}

// IsAuthenticated reports whether an API key is available.
func IsAuthenticated() bool {
	return APIKey() != ""
}

// DeviceID returns the device ID from auth.json, generating one if needed.
func DeviceID() (string, error) {
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}
	return GenerateDeviceID()
}

// GenerateDeviceID creates a new random device ID (16 bytes hex).
func GenerateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
