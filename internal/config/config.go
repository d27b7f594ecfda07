package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort            = 8000
	DefaultMaxBodyBytes    = 10 << 20
	DefaultFrameworkImport = "@web/test-runner-mocha"
)

type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Watch     WatchConfig        `yaml:"watch"`
	TestPage  TestPageConfig     `yaml:"test_page"`
	History   HistoryConfig      `yaml:"history"`
	Events    EventsConfig       `yaml:"events"`
	Log       LogConfig          `yaml:"log"`
	DevServer TransportOverrides `yaml:"dev_server"`
}

type ServerConfig struct {
	Port    int    `yaml:"port"`
	Host    string `yaml:"host"`
	RootDir string `yaml:"root_dir"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

type TestPageConfig struct {
	FrameworkImport string `yaml:"framework_import"`
	HTMLFile        string `yaml:"html_file"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Limit   int    `yaml:"limit"`
}

type EventsConfig struct {
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: DefaultPort,
			Host: "127.0.0.1",
		},
		Watch: WatchConfig{
			Debounce: 100 * time.Millisecond,
		},
		TestPage: TestPageConfig{
			FrameworkImport: DefaultFrameworkImport,
		},
		History: HistoryConfig{
			Path:  ".wtr/history.db",
			Limit: 100,
		},
		Events: EventsConfig{
			SnapshotInterval:  5 * time.Second,
			BroadcastThrottle: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML config file. Fields absent from the file keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.DevServer.Port != nil && (*c.DevServer.Port < 0 || *c.DevServer.Port > 65535) {
		errs = append(errs, fmt.Errorf("dev_server.port %d out of range", *c.DevServer.Port))
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, errors.New("watch.debounce must not be negative"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}
	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, errors.New("history.path is required when history is enabled"))
	}
	return errors.Join(errs...)
}
