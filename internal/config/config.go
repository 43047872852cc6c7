// Package config manages opsync configuration and the .opsync directory.
// Secrets are never written here; access tokens and encryption passwords
// live in the store's provider credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

const (
	Dir          = ".opsync"
	ConfigFile   = "config"
	DatabaseFile = "opsync.db"
)

// Provider names.
const (
	ProviderOpSync = "opsync"
	ProviderFile   = "file"
	ProviderS3     = "s3"
)

// Defaults applied to unset fields on load.
const (
	DefaultMaxRecentOps          = 500
	DefaultMaxVectorClockEntries = 20
	DefaultRequestTimeout        = 30 * time.Second
	DefaultPendingRemoteExpiry   = 24 * time.Hour
)

// ErrNotInitialized is returned when no .opsync directory is found.
var ErrNotInitialized = errors.New("not an opsync replica (or any parent up to root)")

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Config is the replica configuration.
type Config struct {
	ClientID string `toml:"client_id"`
	Provider string `toml:"provider"`

	ServerURL string `toml:"server_url,omitempty"`
	Account   string `toml:"account,omitempty"`

	FilePath string `toml:"file_path,omitempty"`

	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Key      string `toml:"s3_key,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`

	EncryptionEnabled bool `toml:"encryption_enabled"`

	SyncInterval          Duration `toml:"sync_interval"`
	MaxRecentOps          int      `toml:"max_recent_ops"`
	MaxVectorClockEntries int      `toml:"max_vector_clock_entries"`
	RequestTimeout        Duration `toml:"request_timeout"`
	PendingRemoteExpiry   Duration `toml:"pending_remote_expiry"`

	path string
}

// FindRoot finds the .opsync directory by walking up from the current directory.
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		p := filepath.Join(dir, Dir)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// Load loads the configuration from the nearest .opsync directory.
func Load() (*Config, error) {
	root, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(root)
}

// LoadFrom loads the configuration stored in dir.
func LoadFrom(dir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.path = dir
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderOpSync
	}
	if c.MaxRecentOps <= 0 {
		c.MaxRecentOps = DefaultMaxRecentOps
	}
	if c.MaxVectorClockEntries <= 0 {
		c.MaxVectorClockEntries = DefaultMaxVectorClockEntries
	}
	if c.RequestTimeout.Duration <= 0 {
		c.RequestTimeout.Duration = DefaultRequestTimeout
	}
	if c.PendingRemoteExpiry.Duration <= 0 {
		c.PendingRemoteExpiry.Duration = DefaultPendingRemoteExpiry
	}
}

// Validate checks that the selected provider has what it needs.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("config: client_id is missing")
	}
	switch c.Provider {
	case ProviderOpSync:
		if c.ServerURL == "" {
			return errors.New("config: server_url is required for the opsync provider")
		}
	case ProviderFile:
		if c.FilePath == "" {
			return errors.New("config: file_path is required for the file provider")
		}
	case ProviderS3:
		if c.S3Bucket == "" || c.S3Key == "" {
			return errors.New("config: s3_bucket and s3_key are required for the s3 provider")
		}
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	}
	return nil
}

// Save writes the configuration to disk.
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.path, ConfigFile), data, 0o644)
}

// Path returns the .opsync directory.
func (c *Config) Path() string {
	return c.path
}

// DatabasePath returns the path to the bbolt database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.path, DatabaseFile)
}

// Initialize creates a .opsync directory in dir holding cfg. A client id
// is generated when cfg has none.
func Initialize(dir string, cfg Config) (*Config, error) {
	root := filepath.Join(dir, Dir)
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("opsync replica already exists in %s", dir)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	cfg.path = root
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", Dir, err)
	}
	if err := cfg.Save(); err != nil {
		os.RemoveAll(root)
		return nil, err
	}
	return &cfg, nil
}
