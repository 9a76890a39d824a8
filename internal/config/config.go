// Package config loads gatewaykit settings from config.yaml and the
// environment.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bhandras/gatewaykit/internal/controller"
	"github.com/bhandras/gatewaykit/internal/outbox"
	"github.com/bhandras/gatewaykit/internal/recovery"
	"github.com/bhandras/gatewaykit/internal/storage"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the home directory.
const FileName = "config.yaml"

// Transport names.
const (
	TransportWebSocket = "ws"
	TransportRelay     = "relay"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full client configuration.
type Config struct {
	// Home is the state directory. It is never read from the file.
	Home string `yaml:"-"`

	Gateway  GatewayConfig  `yaml:"gateway"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
	Timing   TimingConfig   `yaml:"timing"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Recovery RecoveryConfig `yaml:"recovery"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug"`
}

// GatewayConfig selects the gateway and how to reach it.
type GatewayConfig struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	Transport  string `yaml:"transport"`
	// SessionKey pins the session at startup; empty restores the last one.
	SessionKey string `yaml:"session_key"`
	// RelayPath is the Socket.IO mount point for the relay transport.
	RelayPath string `yaml:"relay_path"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	Seal    bool   `yaml:"seal"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"`
	// Dir receives rotated log files when set.
	Dir string `yaml:"dir"`
}

// TimingConfig holds the controller timeouts.
type TimingConfig struct {
	ConnectTimeout   Duration `yaml:"connect_timeout"`
	HealthTimeout    Duration `yaml:"health_timeout"`
	HealthInterval   Duration `yaml:"health_interval"`
	SendTimeout      Duration `yaml:"send_timeout"`
	RefreshTimeout   Duration `yaml:"refresh_timeout"`
	ResponseWatchdog Duration `yaml:"response_watchdog"`
	HistoryLimit     int      `yaml:"history_limit"`
}

// OutboxConfig holds the offline queue knobs.
type OutboxConfig struct {
	DuplicateWindow Duration `yaml:"duplicate_window"`
	ReuseWindow     Duration `yaml:"reuse_window"`
	BaseDelay       Duration `yaml:"base_delay"`
	MaxDelay        Duration `yaml:"max_delay"`
	MaxRetries      int      `yaml:"max_retries"`
}

// RecoveryConfig holds the missing-response recovery knobs.
type RecoveryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// Default returns the defaults rooted at home.
func Default(home string) Config {
	p := controller.DefaultPolicy()
	return Config{
		Home: home,
		Gateway: GatewayConfig{
			Transport: TransportWebSocket,
			RelayPath: "/relay",
		},
		Storage: StorageConfig{Backend: storage.BackendFile},
		Log:     LogConfig{Level: "info"},
		Timing: TimingConfig{
			ConnectTimeout:   Duration(p.ConnectTimeout),
			HealthTimeout:    Duration(p.HealthTimeout),
			HealthInterval:   Duration(p.HealthInterval),
			SendTimeout:      Duration(p.SendTimeout),
			RefreshTimeout:   Duration(p.RefreshTimeout),
			ResponseWatchdog: Duration(p.ResponseWatchdog),
			HistoryLimit:     p.HistoryLimit,
		},
		Outbox: OutboxConfig{
			DuplicateWindow: Duration(p.Outbox.DuplicateBlockWindow),
			ReuseWindow:     Duration(p.Outbox.ReuseWindow),
			BaseDelay:       Duration(p.Outbox.BaseDelay),
			MaxDelay:        Duration(p.Outbox.MaxDelay),
			MaxRetries:      p.Outbox.MaxRetries,
		},
		Recovery: RecoveryConfig{
			MaxAttempts: p.Recovery.MaxAttempts,
			BaseDelay:   Duration(p.Recovery.BaseDelay),
			MaxDelay:    Duration(p.Recovery.MaxDelay),
		},
	}
}

// Load reads the configuration from path (or <home>/config.yaml when path
// is empty), then applies environment overrides. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an injectable environment.
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	home := getenv("GATEWAYKIT_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "config: resolve home directory")
		}
		home = filepath.Join(userHome, ".gatewaykit")
	}
	if path == "" {
		path = filepath.Join(home, FileName)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	cfg, err := Parse(data, home)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse unmarshals YAML over the defaults and validates the result.
func Parse(data []byte, home string) (*Config, error) {
	cfg := Default(home)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	cfg.Home = home
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("GATEWAYKIT_URL"); v != "" {
		c.Gateway.URL = v
	}
	if v := getenv("GATEWAYKIT_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := getenv("GATEWAYKIT_TRANSPORT"); v != "" {
		c.Gateway.Transport = v
	}
	if v := getenv("GATEWAYKIT_SESSION"); v != "" {
		c.Gateway.SessionKey = v
	}
	if v := getenv("GATEWAYKIT_STORAGE"); v != "" {
		c.Storage.Backend = v
	}
	if v := getenv("GATEWAYKIT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if isTrue(getenv("DEBUG")) || isTrue(getenv("GATEWAYKIT_DEBUG")) {
		c.Debug = true
	}
}

func isTrue(v string) bool {
	return v == "true" || v == "1"
}

// Validate checks that all fields are consistent.
func (c *Config) Validate() error {
	var errs []string
	switch c.Gateway.Transport {
	case TransportWebSocket, TransportRelay:
	default:
		errs = append(errs, "gateway.transport must be ws or relay")
	}
	switch c.Storage.Backend {
	case storage.BackendFile, storage.BackendSQLite, storage.BackendMemory:
	default:
		errs = append(errs, "storage.backend must be file, sqlite or memory")
	}
	if c.Gateway.SessionKey != "" && strings.TrimSpace(c.Gateway.SessionKey) == "" {
		errs = append(errs, "gateway.session_key must not be blank")
	}
	if c.Timing.ConnectTimeout <= 0 {
		errs = append(errs, "timing.connect_timeout must be positive")
	}
	if c.Timing.RefreshTimeout <= 0 {
		errs = append(errs, "timing.refresh_timeout must be positive")
	}
	if c.Timing.HistoryLimit <= 0 {
		errs = append(errs, "timing.history_limit must be positive")
	}
	if c.Outbox.MaxRetries < 0 {
		errs = append(errs, "outbox.max_retries must not be negative")
	}
	if c.Recovery.MaxAttempts < 0 {
		errs = append(errs, "recovery.max_attempts must not be negative")
	}
	if len(errs) > 0 {
		return errors.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Policy converts the timing sections into a controller.Policy.
func (c *Config) Policy() controller.Policy {
	return controller.Policy{
		ConnectTimeout:   time.Duration(c.Timing.ConnectTimeout),
		HealthTimeout:    time.Duration(c.Timing.HealthTimeout),
		HealthInterval:   time.Duration(c.Timing.HealthInterval),
		SendTimeout:      time.Duration(c.Timing.SendTimeout),
		RefreshTimeout:   time.Duration(c.Timing.RefreshTimeout),
		HistoryLimit:     c.Timing.HistoryLimit,
		ResponseWatchdog: time.Duration(c.Timing.ResponseWatchdog),
		Outbox: outbox.Policy{
			DuplicateBlockWindow: time.Duration(c.Outbox.DuplicateWindow),
			ReuseWindow:          time.Duration(c.Outbox.ReuseWindow),
			BaseDelay:            time.Duration(c.Outbox.BaseDelay),
			MaxDelay:             time.Duration(c.Outbox.MaxDelay),
			MaxRetries:           c.Outbox.MaxRetries,
		},
		Recovery: recovery.Policy{
			MaxAttempts: c.Recovery.MaxAttempts,
			BaseDelay:   time.Duration(c.Recovery.BaseDelay),
			MaxDelay:    time.Duration(c.Recovery.MaxDelay),
		},
	}
}

// StorageOptions returns the storage.Open options for this config.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Backend: c.Storage.Backend,
		Dir:     c.Home,
		Path:    c.Storage.Path,
		Seal:    c.Storage.Seal,
	}
}

// EnsureHome creates the state directory.
func (c *Config) EnsureHome() error {
	if err := os.MkdirAll(c.Home, 0o700); err != nil {
		return errors.Wrap(err, "config: create home")
	}
	return nil
}

// Save writes the file form of c to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "config: encode")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "config: create dir")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "config: write %s", path)
	}
	return nil
}
