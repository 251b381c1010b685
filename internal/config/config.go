// Package config loads the optional execbus YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/guseggert/execbus/agent/process"
	"github.com/guseggert/execbus/internal/files"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is looked up from the working directory upward when no config path is given.
	FileName = ".execbus.yaml"
	// SocketEnv overrides the socket path for clients.
	SocketEnv = "EXECBUS_SOCKET"

	BusUser   = "user"
	BusSystem = "system"

	DefaultAbortGrace   = time.Second
	DefaultDrainTimeout = 5 * time.Second
	DefaultHistoryLimit = 1 << 20

	systemSocket = "/run/execbus/executor.sock"
	socketName   = "executor.sock"
)

// Config holds the parsed configuration. All fields are optional; zero values mean defaults.
type Config struct {
	Bus             string        `yaml:"bus"`
	Socket          string        `yaml:"socket"`
	// HTTPAddr enables the inspection server, which shows every user's runs and their output.
	// Without HTTPTLSDir it has no authentication, so it must listen on a loopback address.
	HTTPAddr        string        `yaml:"http_addr"`
	HTTPTLSDir      string        `yaml:"http_tls_dir"` // holds the files written by execd gen-certs
	RawLogLevel     string        `yaml:"log_level"`
	RawAbortGrace   string        `yaml:"abort_grace"`
	RawDrainTimeout string        `yaml:"drain_timeout"`
	RawHistoryLimit int           `yaml:"history_limit"`
	Cleanup         CleanupConfig `yaml:"cleanup"`
}

// CleanupConfig is the retention policy for finished runs.
type CleanupConfig struct {
	RawMaxAge    string `yaml:"max_age"`
	MaxCompleted int    `yaml:"max_completed"`
	MaxTotal     int    `yaml:"max_total"`
	RawInterval  string `yaml:"interval"`
}

// Load reads the file at path. An empty path searches for FileName from the working directory upward,
// and finding nothing yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		path, err = files.FindUp(FileName, wd)
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("looking for %s: %w", FileName, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the accessors would otherwise silently replace with defaults.
func (c *Config) Validate() error {
	switch c.Bus {
	case "", BusUser, BusSystem:
	default:
		return fmt.Errorf("bus must be %q or %q, not %q", BusUser, BusSystem, c.Bus)
	}
	durations := []struct {
		name string
		raw  string
	}{
		{"abort_grace", c.RawAbortGrace},
		{"drain_timeout", c.RawDrainTimeout},
		{"cleanup.max_age", c.Cleanup.RawMaxAge},
		{"cleanup.interval", c.Cleanup.RawInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		if v, err := time.ParseDuration(d.raw); err != nil || v < 0 {
			return fmt.Errorf("invalid %s %q", d.name, d.raw)
		}
	}
	if c.RawLogLevel != "" {
		if _, err := zapcore.ParseLevel(c.RawLogLevel); err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
	}
	if c.RawHistoryLimit < 0 || c.Cleanup.MaxCompleted < 0 || c.Cleanup.MaxTotal < 0 {
		return errors.New("limits must not be negative")
	}
	if c.HTTPAddr != "" && c.HTTPTLSDir == "" && !loopback(c.HTTPAddr) {
		return fmt.Errorf("http_addr %q is not a loopback address, which requires http_tls_dir", c.HTTPAddr)
	}
	return nil
}

// loopback reports whether the host of addr only resolves to loopback addresses. An empty host means every interface.
func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func parseDuration(raw string, def time.Duration) time.Duration {
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err == nil && d >= 0 {
			return d
		}
	}
	return def
}

// SocketPath returns the executor socket path: the configured one, or the default for the bus.
// The user bus lives in $XDG_RUNTIME_DIR, falling back to the system path when that is unset.
func (c *Config) SocketPath() string {
	if c.Socket != "" {
		return c.Socket
	}
	if c.Bus != BusSystem {
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
			return filepath.Join(dir, "execbus", socketName)
		}
	}
	return systemSocket
}

// ClientSocketPath is SocketPath, overridden by $EXECBUS_SOCKET.
func (c *Config) ClientSocketPath() string {
	if p := os.Getenv(SocketEnv); p != "" {
		return p
	}
	return c.SocketPath()
}

// SocketPerm is the mode of the listening socket. The system bus accepts anyone, since peers are
// authorized by their credentials.
func (c *Config) SocketPerm() os.FileMode {
	if c.Bus == BusSystem {
		return 0o666
	}
	return 0o600
}

func (c *Config) LogLevel() zapcore.Level {
	l, err := zapcore.ParseLevel(c.RawLogLevel)
	if err != nil || c.RawLogLevel == "" {
		return zapcore.InfoLevel
	}
	return l
}

func (c *Config) AbortGrace() time.Duration {
	return parseDuration(c.RawAbortGrace, DefaultAbortGrace)
}

func (c *Config) DrainTimeout() time.Duration {
	return parseDuration(c.RawDrainTimeout, DefaultDrainTimeout)
}

func (c *Config) HistoryLimit() int {
	if c.RawHistoryLimit > 0 {
		return c.RawHistoryLimit
	}
	return DefaultHistoryLimit
}

// CleanupPolicy converts the cleanup section. Unset limits are disabled.
func (c *Config) CleanupPolicy() process.CleanupPolicy {
	return process.CleanupPolicy{
		MaxAge:       parseDuration(c.Cleanup.RawMaxAge, 0),
		MaxCompleted: c.Cleanup.MaxCompleted,
		MaxTotal:     c.Cleanup.MaxTotal,
		Interval:     parseDuration(c.Cleanup.RawInterval, 0),
	}
}

// EngineOptions returns the engine options the config describes.
func (c *Config) EngineOptions() []process.Option {
	return []process.Option{
		process.WithAbortGrace(c.AbortGrace()),
		process.WithDrainTimeout(c.DrainTimeout()),
		process.WithHistoryLimit(c.HistoryLimit()),
		process.WithCleanupPolicy(c.CleanupPolicy()),
	}
}
