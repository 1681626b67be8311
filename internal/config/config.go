package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blebridge/internal/ble"
)

// EnvPrefix prefixes every environment override, e.g. BLEBRIDGE_SERVER_LISTEN.
const EnvPrefix = "BLEBRIDGE"

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level" envconfig:"LOG_LEVEL"`
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Bluetooth BluetoothConfig `yaml:"bluetooth" envconfig:"BLUETOOTH"`
}

// ServerConfig holds the web host settings.
type ServerConfig struct {
	Listen       string        `yaml:"listen" envconfig:"LISTEN"`
	StaticDir    string        `yaml:"static_dir" envconfig:"STATIC_DIR"` // served at / when set
	AllowOrigins []string      `yaml:"allow_origins" envconfig:"ALLOW_ORIGINS"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"` // per websocket frame
}

// BluetoothConfig holds connection supervision and write pacing settings.
type BluetoothConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	RetryDelay        time.Duration `yaml:"retry_delay" envconfig:"RETRY_DELAY"`
	MaxRetries        int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	AdapterInitDelay  time.Duration `yaml:"adapter_init_delay" envconfig:"ADAPTER_INIT_DELAY"`
	SettleDelay       time.Duration `yaml:"settle_delay" envconfig:"SETTLE_DELAY"`
	LivenessInterval  time.Duration `yaml:"liveness_interval" envconfig:"LIVENESS_INTERVAL"`
	MaxIdle           time.Duration `yaml:"max_idle" envconfig:"MAX_IDLE"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" envconfig:"DISCONNECT_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	InterChunkDelay   time.Duration `yaml:"inter_chunk_delay" envconfig:"INTER_CHUNK_DELAY"`
	PreferredMTU      int           `yaml:"preferred_mtu" envconfig:"PREFERRED_MTU"`
	Notifications     bool          `yaml:"notifications" envconfig:"NOTIFICATIONS"`
	Adapter           string        `yaml:"adapter" envconfig:"ADAPTER"` // BlueZ adapter name, e.g. hci0
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blebridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	o := ble.DefaultOptions()
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Listen:       "127.0.0.1:8765",
			WriteTimeout: 10 * time.Second,
		},
		Bluetooth: BluetoothConfig{
			ConnectTimeout:    o.ConnectTimeout,
			RetryDelay:        o.RetryDelay,
			MaxRetries:        o.MaxRetries,
			AdapterInitDelay:  o.AdapterInitDelay,
			SettleDelay:       o.SettleDelay,
			LivenessInterval:  o.LivenessInterval,
			MaxIdle:           o.MaxIdle,
			DisconnectTimeout: o.DisconnectTimeout,
			WriteTimeout:      o.WriteTimeout,
			InterChunkDelay:   o.InterChunkDelay,
			PreferredMTU:      o.PreferredMTU,
			Notifications:     o.Notifications,
			Adapter:           "hci0",
		},
	}
}

// Load reads and parses a YAML config file, then applies BLEBRIDGE_*
// environment overrides. Missing fields are filled with defaults. A
// missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath():
		slog.Debug("no config file, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	cfg.Server.StaticDir = expandTilde(cfg.Server.StaticDir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}

	b := c.Bluetooth
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"connect_timeout", b.ConnectTimeout},
		{"retry_delay", b.RetryDelay},
		{"adapter_init_delay", b.AdapterInitDelay},
		{"settle_delay", b.SettleDelay},
		{"liveness_interval", b.LivenessInterval},
		{"max_idle", b.MaxIdle},
		{"disconnect_timeout", b.DisconnectTimeout},
		{"write_timeout", b.WriteTimeout},
		{"inter_chunk_delay", b.InterChunkDelay},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("bluetooth.%s must be > 0, got %s", d.name, d.d)
		}
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("bluetooth.max_retries must be >= 0, got %d", b.MaxRetries)
	}
	if b.MaxIdle <= b.LivenessInterval {
		return fmt.Errorf("bluetooth.max_idle (%s) must exceed liveness_interval (%s)", b.MaxIdle, b.LivenessInterval)
	}
	// 23 is the ATT minimum, 517 the maximum.
	if b.PreferredMTU < 23 || b.PreferredMTU > 517 {
		return fmt.Errorf("bluetooth.preferred_mtu must be between 23 and 517, got %d", b.PreferredMTU)
	}

	return nil
}

// Options converts the bluetooth section for ble.NewManager.
func (c *Config) Options() ble.Options {
	b := c.Bluetooth
	return ble.Options{
		ConnectTimeout:    b.ConnectTimeout,
		RetryDelay:        b.RetryDelay,
		MaxRetries:        b.MaxRetries,
		AdapterInitDelay:  b.AdapterInitDelay,
		SettleDelay:       b.SettleDelay,
		LivenessInterval:  b.LivenessInterval,
		MaxIdle:           b.MaxIdle,
		DisconnectTimeout: b.DisconnectTimeout,
		WriteTimeout:      b.WriteTimeout,
		InterChunkDelay:   b.InterChunkDelay,
		PreferredMTU:      b.PreferredMTU,
		Notifications:     b.Notifications,
	}
}

const defaultHeader = `# blebridge configuration
# Every value can also be set through the environment, e.g.
# BLEBRIDGE_SERVER_LISTEN=0.0.0.0:8765 or BLEBRIDGE_BLUETOOTH_MAX_RETRIES=3.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
