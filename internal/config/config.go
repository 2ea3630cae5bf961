// Package config loads fieldsync configuration.
//
// Values are layered in this order, later layers winning:
//   - built-in defaults (Default)
//   - a YAML file, when a path is given
//   - FIELDSYNC_* environment variables, including those loaded from .env
//
// ${VAR} and ${VAR:-default} references in string values of the YAML file
// are expanded from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/fieldsync/internal/geo"
	"github.com/kimhsiao/fieldsync/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/backoff"
	"github.com/kimhsiao/fieldsync/internal/sync/photo"
	"github.com/kimhsiao/fieldsync/internal/sync/s3"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FIELDSYNC_"

// Photo transports.
const (
	TransportRemote = "remote"
	TransportS3     = "s3"
)

// Config is the complete fieldsync configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store"`
	Remote       RemoteConfig       `yaml:"remote"`
	Sync         SyncConfig         `yaml:"sync"`
	Photos       PhotosConfig       `yaml:"photos"`
	Attendance   AttendanceConfig   `yaml:"attendance"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	ObjectStore  s3.Config          `yaml:"object_store"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// StoreConfig locates local data.
type StoreConfig struct {
	// DataDir holds the SQLite database.
	DataDir string `yaml:"data_dir"`

	// BlobDir holds queued photo bytes.
	BlobDir string `yaml:"blob_dir"`
}

// RemoteConfig configures the remote API client.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig configures the sync engine and lifecycle manager.
type SyncConfig struct {
	MaxRetries    uint32        `yaml:"max_retries"`
	Concurrency   int           `yaml:"concurrency"`
	DataSaver     bool          `yaml:"data_saver"`
	Interval      time.Duration `yaml:"interval"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	BackoffJitter float64       `yaml:"backoff_jitter"`

	// SyncOnEnqueue starts a pass as soon as a mutation is queued while
	// online.
	SyncOnEnqueue bool `yaml:"sync_on_enqueue"`
}

// PhotosConfig configures the photo pipeline.
type PhotosConfig struct {
	Transport  string        `yaml:"transport"`
	ChunkSize  int64         `yaml:"chunk_size"`
	MaxRetries uint32        `yaml:"max_retries"`
	Retention  time.Duration `yaml:"retention"`
}

// AttendanceConfig configures check-in validation.
type AttendanceConfig struct {
	WindowBefore time.Duration `yaml:"window_before"`
	WindowAfter  time.Duration `yaml:"window_after"`
}

// RealtimeConfig configures the realtime subscription.
type RealtimeConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
}

// ConnectivityConfig configures the health prober used when the host
// has no platform connectivity signal.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	// Network is the classification reported with probe results.
	Network string `yaml:"network"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// File receives log output; empty means stderr.
	File string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".fieldsync")

	return &Config{
		Store: StoreConfig{
			DataDir: root,
			BlobDir: filepath.Join(root, "blobs"),
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			MaxRetries:    syncpkg.DefaultMaxRetries,
			Concurrency:   1,
			Interval:      5 * time.Minute,
			BackoffBase:   time.Second,
			BackoffMax:    time.Minute,
			BackoffJitter: 0.3,
			SyncOnEnqueue: true,
		},
		Photos: PhotosConfig{
			Transport:  TransportRemote,
			ChunkSize:  photo.DefaultChunkSize,
			MaxRetries: photo.DefaultMaxRetries,
			Retention:  photo.DefaultRetention,
		},
		Attendance: AttendanceConfig{
			WindowBefore: geo.DefaultCheckInWindow.Before,
			WindowAfter:  geo.DefaultCheckInWindow.After,
		},
		Realtime: RealtimeConfig{
			ReconnectBase: time.Second,
			ReconnectMax:  30 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			Network:       "unknown",
		},
		ObjectStore: s3.Config{
			Provider: s3.ProviderMinIO,
			Region:   "us-east-1",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment. envFiles are loaded into the
// environment first without overriding variables that are already set;
// with none given, ./.env is tried. Missing env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	expanded := expandVars(string(data))
	return yaml.Unmarshal([]byte(expanded), c)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// applyEnv applies FIELDSYNC_* overrides.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("DATA_DIR", &c.Store.DataDir)
	str("BLOB_DIR", &c.Store.BlobDir)
	str("REMOTE_URL", &c.Remote.BaseURL)
	str("REMOTE_TOKEN", &c.Remote.Token)
	duration("REMOTE_TIMEOUT", &c.Remote.Timeout)
	boolean("DATA_SAVER", &c.Sync.DataSaver)
	duration("SYNC_INTERVAL", &c.Sync.Interval)
	str("PHOTO_TRANSPORT", &c.Photos.Transport)
	boolean("REALTIME_ENABLED", &c.Realtime.Enabled)
	str("REALTIME_URL", &c.Realtime.URL)
	str("NETWORK", &c.Connectivity.Network)
	str("S3_PROVIDER", (*string)(&c.ObjectStore.Provider))
	str("S3_ENDPOINT", &c.ObjectStore.Endpoint)
	str("S3_REGION", &c.ObjectStore.Region)
	str("S3_ACCOUNT_ID", &c.ObjectStore.AccountID)
	str("S3_BUCKET", &c.ObjectStore.Bucket)
	str("S3_ACCESS_KEY", &c.ObjectStore.AccessKey)
	str("S3_SECRET_KEY", &c.ObjectStore.SecretKey)
	boolean("S3_USE_SSL", &c.ObjectStore.UseSSL)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FILE", &c.Logging.File)

	return errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.DataDir == "" {
		errs = append(errs, fmt.Errorf("store.data_dir is required"))
	}
	if c.Store.BlobDir == "" {
		errs = append(errs, fmt.Errorf("store.blob_dir is required"))
	}
	if c.Remote.BaseURL == "" {
		errs = append(errs, fmt.Errorf("remote.base_url is required"))
	} else if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("remote.base_url must be an http(s) URL: %s", c.Remote.BaseURL))
	}
	if c.Remote.Timeout < 10*time.Second || c.Remote.Timeout > 30*time.Second {
		errs = append(errs, fmt.Errorf("remote.timeout must be between 10s and 30s, got %s", c.Remote.Timeout))
	}

	if c.Sync.MaxRetries == 0 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be positive"))
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("sync.concurrency must be at least 1"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive"))
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		errs = append(errs, fmt.Errorf("sync.backoff_base must be positive and not above sync.backoff_max"))
	}
	if c.Sync.BackoffJitter < 0 || c.Sync.BackoffJitter > 1 {
		errs = append(errs, fmt.Errorf("sync.backoff_jitter must be within [0, 1]"))
	}

	switch c.Photos.Transport {
	case TransportRemote:
	case TransportS3:
		if err := c.ObjectStore.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("object_store: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("photos.transport must be %q or %q, got %q", TransportRemote, TransportS3, c.Photos.Transport))
	}
	if c.Photos.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("photos.chunk_size must be positive"))
	}
	if c.Photos.MaxRetries == 0 {
		errs = append(errs, fmt.Errorf("photos.max_retries must be positive"))
	}

	if c.Attendance.WindowBefore < 0 || c.Attendance.WindowAfter < 0 {
		errs = append(errs, fmt.Errorf("attendance window must not be negative"))
	}

	if c.Realtime.Enabled && c.RealtimeURL() == "" {
		errs = append(errs, fmt.Errorf("realtime.url is required when realtime is enabled"))
	}

	if c.Connectivity.ProbeInterval <= 0 || c.Connectivity.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connectivity probe interval and timeout must be positive"))
	}
	switch c.Connectivity.Network {
	case "wifi", "cellular", "ethernet", "unknown":
	default:
		errs = append(errs, fmt.Errorf("connectivity.network must be wifi, cellular, ethernet or unknown, got %q", c.Connectivity.Network))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}

// EngineConfig returns the sync engine settings.
func (c *Config) EngineConfig() syncpkg.Config {
	return syncpkg.Config{
		MaxRetries:  c.Sync.MaxRetries,
		Concurrency: c.Sync.Concurrency,
		DataSaver:   c.Sync.DataSaver,
		Backoff: backoff.Policy{
			Base:   c.Sync.BackoffBase,
			Max:    c.Sync.BackoffMax,
			Jitter: c.Sync.BackoffJitter,
		},
	}
}

// ManagerConfig returns the lifecycle manager settings.
func (c *Config) ManagerConfig() scheduler.Config {
	return scheduler.Config{
		SyncInterval:  c.Sync.Interval,
		SyncOnEnqueue: c.Sync.SyncOnEnqueue,
		DataSaver:     c.Sync.DataSaver,
	}
}

// PhotoConfig returns the photo pipeline settings.
func (c *Config) PhotoConfig() photo.Config {
	return photo.Config{
		ChunkSize:  c.Photos.ChunkSize,
		MaxRetries: c.Photos.MaxRetries,
		Retention:  c.Photos.Retention,
	}
}

// CheckInWindow returns the attendance window.
func (c *Config) CheckInWindow() geo.CheckInWindow {
	return geo.CheckInWindow{Before: c.Attendance.WindowBefore, After: c.Attendance.WindowAfter}
}

// RealtimeURL returns the websocket URL, derived from the remote base URL
// when not set.
func (c *Config) RealtimeURL() string {
	if c.Realtime.URL != "" {
		return c.Realtime.URL
	}
	base := strings.TrimSuffix(c.Remote.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/realtime"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/realtime"
	}
	return ""
}
