package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the config file looked up inside a profile directory.
const FileName = "config.toml"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration spelled like "5s" in config files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DriverConfig selects and launches the driver process.
type DriverConfig struct {
	// Path runs an explicit driver executable with Args.
	Path string   `toml:"path"`
	Args []string `toml:"args"`
	// Node and CLI run "node cli.js run-driver" from a local install.
	Node string `toml:"node"`
	CLI  string `toml:"cli"`
	// Directory holds a playwright-go managed driver; Install downloads it
	// when missing.
	Directory           string   `toml:"directory"`
	Install             bool     `toml:"install"`
	SkipInstallBrowsers bool     `toml:"skipInstallBrowsers"`
	Env                 []string `toml:"env"`
	StopGrace           Duration `toml:"stopGrace"`
}

// ConnectionConfig tunes the protocol connection.
type ConnectionConfig struct {
	RootGUID       string   `toml:"rootGuid"`
	ReadyTimeout   Duration `toml:"readyTimeout"`
	CallTimeout    Duration `toml:"callTimeout"`
	MaxFrameMB     int      `toml:"maxFrameMB"`
	SendInitialize bool     `toml:"sendInitialize"`
	SDKLanguage    string   `toml:"sdkLanguage"`
	Strict         bool     `toml:"strict"`
	ProtocolFile   string   `toml:"protocolFile"`
}

// TraceConfig defines the SQLite trace store.
type TraceConfig struct {
	Enabled      bool   `toml:"enabled"`
	DBPath       string `toml:"dbPath"`
	JournalMode  string `toml:"journalMode"`
	Synchronous  string `toml:"synchronous"`
	MaxPayloadKB int    `toml:"maxPayloadKB"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
	FileBackups int    `toml:"fileMaxBackups"`
}

// Config aggregates settings for a profile.
type Config struct {
	ProfileName string           `toml:"profileName"`
	Driver      DriverConfig     `toml:"driver"`
	Connection  ConnectionConfig `toml:"connection"`
	Trace       TraceConfig      `toml:"trace"`
	Logging     LoggingConfig    `toml:"logging"`
}

// Default returns a config for profile with every default filled in.
func Default(profile string) *Config {
	cfg := &Config{
		ProfileName: profile,
		Connection:  ConnectionConfig{SendInitialize: true},
		Trace:       TraceConfig{DBPath: "trace.db"},
		Logging:     LoggingConfig{Level: "info", FileMaxSize: 10, FileBackups: 3},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a config file from the provided path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile reads config.toml from dir and resolves its relative paths
// against dir.
func LoadProfile(dir string) (*Config, error) {
	cfg, err := Load(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(dir)
	return cfg, nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ProfileDir returns the default directory for a named profile.
func ProfileDir(profile string) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "drvlink", profile), nil
}

// ResolvePath expands a leading ~ and makes p absolute relative to base.
// Empty paths stay empty.
func ResolvePath(base, p string) string {
	if p == "" {
		return ""
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

func (cfg *Config) resolvePaths(dir string) {
	cfg.Trace.DBPath = ResolvePath(dir, cfg.Trace.DBPath)
	cfg.Logging.FilePath = ResolvePath(dir, cfg.Logging.FilePath)
	cfg.Connection.ProtocolFile = ResolvePath(dir, cfg.Connection.ProtocolFile)
	cfg.Driver.Directory = ResolvePath(dir, cfg.Driver.Directory)
	cfg.Driver.CLI = ResolvePath(dir, cfg.Driver.CLI)
	if strings.ContainsRune(cfg.Driver.Path, filepath.Separator) {
		cfg.Driver.Path = ResolvePath(dir, cfg.Driver.Path)
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Driver.StopGrace.Duration <= 0 {
		cfg.Driver.StopGrace.Duration = 500 * time.Millisecond
	}
	if cfg.Connection.ReadyTimeout.Duration <= 0 {
		cfg.Connection.ReadyTimeout.Duration = 30 * time.Second
	}
	if cfg.Connection.SDKLanguage == "" {
		cfg.Connection.SDKLanguage = "javascript"
	}
}

// validate fills defaults first so a rejected config is still usable.
func (cfg *Config) validate() error {
	cfg.applyDefaults()
	if cfg.ProfileName == "" {
		return fmt.Errorf("%w: profileName required", ErrInvalidConfig)
	}
	if cfg.Driver.Node != "" && cfg.Driver.CLI == "" {
		return fmt.Errorf("%w: driver.cli required when driver.node is set", ErrInvalidConfig)
	}
	if cfg.Connection.CallTimeout.Duration < 0 {
		return fmt.Errorf("%w: connection.callTimeout must not be negative", ErrInvalidConfig)
	}
	if cfg.Connection.MaxFrameMB < 0 || cfg.Connection.MaxFrameMB > 256 {
		return fmt.Errorf("%w: connection.maxFrameMB must be within 0..256", ErrInvalidConfig)
	}
	if cfg.Trace.Enabled && cfg.Trace.DBPath == "" {
		return fmt.Errorf("%w: trace.dbPath required when tracing is enabled", ErrInvalidConfig)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown logging.level %q", ErrInvalidConfig, cfg.Logging.Level)
	}
	return nil
}

// MaxFrameBytes converts the configured limit; 0 means the transport default.
func (c ConnectionConfig) MaxFrameBytes() int {
	return c.MaxFrameMB << 20
}
