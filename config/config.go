package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatguard"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "CHATGUARD_DATA_DIR"
	// DefaultAppName is shown as the notification title.
	DefaultAppName = "JavaChat"
	// DefaultMessageLimit and DefaultMessageWindowSeconds throttle outbound messages.
	DefaultMessageLimit         = 10
	DefaultMessageWindowSeconds = 60
	// DefaultLoginLimit and DefaultLoginWindowSeconds throttle sign-in attempts.
	DefaultLoginLimit         = 5
	DefaultLoginWindowSeconds = 300
	// DefaultPoolSize bounds concurrent background I/O.
	DefaultPoolSize = 4
	// DefaultDispatchTimeoutSeconds bounds one push gateway request.
	DefaultDispatchTimeoutSeconds = 15
	// DefaultSecurityEventRetentionDays controls local audit pruning.
	DefaultSecurityEventRetentionDays = 90
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	masterKeyName  = "master_key.pem"
)

var validate = validator.New()

// ClientConfig contains persistent local-device settings.
type ClientConfig struct {
	DeviceID       string `json:"device_id" validate:"required"`
	DeviceName     string `json:"device_name" validate:"required"`
	AppName        string `json:"app_name" validate:"required"`
	MasterKeyPath  string `json:"master_key_path" validate:"required"`
	KeyFingerprint string `json:"key_fingerprint"`

	ProjectID          string `json:"project_id"`
	APIKey             string `json:"api_key"`
	IdentityBaseURL    string `json:"identity_base_url,omitempty" validate:"omitempty,url"`
	ServiceAccountPath string `json:"service_account_path"`
	PushEndpoint       string `json:"push_endpoint,omitempty" validate:"omitempty,url"`
	TokenURI           string `json:"token_uri,omitempty" validate:"omitempty,url"`

	MessageLimit               int `json:"message_limit" validate:"gt=0"`
	MessageWindowSeconds       int `json:"message_window_seconds" validate:"gt=0"`
	LoginLimit                 int `json:"login_limit" validate:"gt=0"`
	LoginWindowSeconds         int `json:"login_window_seconds" validate:"gt=0"`
	PoolSize                   int `json:"pool_size" validate:"gt=0,lte=64"`
	DispatchTimeoutSeconds     int `json:"dispatch_timeout_seconds" validate:"gt=0"`
	SecurityEventRetentionDays int `json:"security_event_retention_days" validate:"gt=0"`
}

// Validate checks field constraints.
func (c *ClientConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *ClientConfig) MessageWindow() time.Duration {
	return time.Duration(c.MessageWindowSeconds) * time.Second
}

func (c *ClientConfig) LoginWindow() time.Duration {
	return time.Duration(c.LoginWindowSeconds) * time.Second
}

func (c *ClientConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

func (c *ClientConfig) SecurityEventRetention() time.Duration {
	return time.Duration(c.SecurityEventRetentionDays) * 24 * time.Hour
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATGUARD_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the validated config, its
// path and the data directory.
func LoadOrCreate() (*ClientConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = &ClientConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	case err != nil:
		return nil, "", "", err
	default:
		if normalizeDefaults(cfg, dataDir) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", "", err
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", "", err
	}
	return cfg, cfgPath, dataDir, nil
}

// normalizeDefaults fills zero fields and reports whether anything changed.
func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.AppName, DefaultAppName)
	setString(&cfg.MasterKeyPath, filepath.Join(dataDir, "keys", masterKeyName))

	setInt(&cfg.MessageLimit, DefaultMessageLimit)
	setInt(&cfg.MessageWindowSeconds, DefaultMessageWindowSeconds)
	setInt(&cfg.LoginLimit, DefaultLoginLimit)
	setInt(&cfg.LoginWindowSeconds, DefaultLoginWindowSeconds)
	setInt(&cfg.PoolSize, DefaultPoolSize)
	setInt(&cfg.DispatchTimeoutSeconds, DefaultDispatchTimeoutSeconds)
	setInt(&cfg.SecurityEventRetentionDays, DefaultSecurityEventRetentionDays)

	return updated
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "ChatGuard Device"
}
