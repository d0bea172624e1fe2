package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultListen is the address the server binds when none is configured.
const DefaultListen = ":5468"

// Config is the configuration shared by the cdp server and clients.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Server     ServerConfig     `toml:"server"`
	Client     ClientConfig     `toml:"client"`
	Backend    BackendConfig    `toml:"backend"`
	Cache      CacheConfig      `toml:"cache"`
	Encryption EncryptionConfig `toml:"encryption"`
	Log        LogConfig        `toml:"log"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

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
		return err
	}
	d.Duration = v
	return nil
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Listen          string   `toml:"listen"`
	DrainOnShutdown bool     `toml:"drain_on_shutdown"`
	DrainTimeout    Duration `toml:"drain_timeout"`
}

// ClientConfig holds the backup and restore client settings.
type ClientConfig struct {
	ServerURL   string   `toml:"server_url"`
	Hostname    string   `toml:"hostname,omitempty"` // defaults to os.Hostname()
	BlockSize   int      `toml:"blocksize"`          // 0 selects the adaptive size
	Chunking    string   `toml:"chunking"`           // "fixed" or "cdc"
	Compression string   `toml:"compression"`        // "none", "zlib" or "zstd"
	BatchSize   int      `toml:"batch_size"`         // chunks per POST /Data_Array.json
	Timeout     Duration `toml:"timeout"`
}

// BackendConfig selects and configures the storage backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BackendConfig struct {
	Type string `toml:"type"` // "file", "memory", "sqlite", "badger" or "s3"

	// file backend
	Prefix    string `toml:"prefix,omitempty"`
	DirLevel  int    `toml:"dir_level,omitempty"`
	Precreate bool   `toml:"precreate,omitempty"`

	// sqlite database file or badger directory
	Path string `toml:"path,omitempty"`

	// s3 backend
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
	S3PathStyle       bool   `toml:"s3_path_style,omitempty"`
}

// CacheConfig sizes the in-memory cache of known chunk hashes.
type CacheConfig struct {
	Enabled    bool     `toml:"enabled"`
	Shards     int      `toml:"shards"`
	LifeWindow Duration `toml:"life_window"`
	MaxSizeMB  int      `toml:"max_size_mb"`
}

// EncryptionConfig selects at-rest encryption of chunk bytes.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// LogConfig controls the log level and rotation of the server log file.
type LogConfig struct {
	Level      string `toml:"level"` // "debug", "info", "warn" or "error"
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Server: ServerConfig{
			Listen:       DefaultListen,
			DrainTimeout: Duration{30 * time.Second},
		},
		Client: ClientConfig{
			ServerURL:   "http://localhost" + DefaultListen,
			Chunking:    "fixed",
			Compression: "zstd",
			BatchSize:   64,
			Timeout:     Duration{60 * time.Second},
		},
		Backend: BackendConfig{
			Type:     "file",
			Prefix:   filepath.Join(baseDir, "server"),
			DirLevel: 2,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Shards:     1024,
			LifeWindow: Duration{time.Hour},
			MaxSizeMB:  256,
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "cdp.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "cdp.key"),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks the tagged unions and the values that have no usable
// zero value.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "file":
		if c.Backend.DirLevel != 0 && (c.Backend.DirLevel < 2 || c.Backend.DirLevel > 4) {
			return fmt.Errorf("backend dir_level must be between 2 and 4, got %d", c.Backend.DirLevel)
		}
	case "memory":
	case "sqlite", "badger":
		if c.Backend.Path == "" {
			return fmt.Errorf("path required for %s backend", c.Backend.Type)
		}
	case "s3":
		if c.Backend.S3Bucket == "" {
			return fmt.Errorf("s3_bucket required for s3 backend")
		}
	default:
		return fmt.Errorf("unknown backend type: %q", c.Backend.Type)
	}

	switch c.Encryption.Type {
	case "", "none", "age", "test":
	default:
		return fmt.Errorf("unknown encryption type: %q", c.Encryption.Type)
	}

	switch c.Client.Chunking {
	case "", "fixed", "cdc":
	default:
		return fmt.Errorf("unknown chunking: %q", c.Client.Chunking)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Log.Level)
	}

	if c.Client.BlockSize < 0 || c.Client.BatchSize < 0 {
		return fmt.Errorf("client blocksize and batch_size must not be negative")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads and validates a Config from path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may carry S3 credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
