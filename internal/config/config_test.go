package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/execbus/agent/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func TestLoad(t *testing.T) {
	p := writeConfig(t, `
bus: system
http_addr: 127.0.0.1:8090
http_tls_dir: /etc/execbus/tls
log_level: debug
abort_grace: 3s
drain_timeout: 10s
history_limit: 4096
cleanup:
  max_age: 1h
  max_completed: 50
  max_total: 200
  interval: 5m
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, BusSystem, cfg.Bus)
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTPAddr)
	assert.Equal(t, "/etc/execbus/tls", cfg.HTTPTLSDir)
	assert.Equal(t, zapcore.DebugLevel, cfg.LogLevel())
	assert.Equal(t, 3*time.Second, cfg.AbortGrace())
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout())
	assert.Equal(t, 4096, cfg.HistoryLimit())
	assert.Equal(t, process.CleanupPolicy{
		MaxAge:       time.Hour,
		MaxCompleted: 50,
		MaxTotal:     200,
		Interval:     5 * time.Minute,
	}, cfg.CleanupPolicy())
	assert.Equal(t, "/run/execbus/executor.sock", cfg.SocketPath())
	assert.Equal(t, os.FileMode(0o666), cfg.SocketPerm())
	assert.Len(t, cfg.EngineOptions(), 4)
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, zapcore.InfoLevel, cfg.LogLevel())
	assert.Equal(t, DefaultAbortGrace, cfg.AbortGrace())
	assert.Equal(t, DefaultDrainTimeout, cfg.DrainTimeout())
	assert.Equal(t, DefaultHistoryLimit, cfg.HistoryLimit())
	assert.Equal(t, process.CleanupPolicy{}, cfg.CleanupPolicy())
	assert.Equal(t, os.FileMode(0o600), cfg.SocketPerm())
}

func TestLoadInvalid(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{name: "bad bus", contents: "bus: session\n"},
		{name: "bad duration", contents: "abort_grace: soon\n"},
		{name: "negative duration", contents: "cleanup:\n  interval: -1m\n"},
		{name: "bad log level", contents: "log_level: loud\n"},
		{name: "negative limit", contents: "cleanup:\n  max_total: -1\n"},
		{name: "not yaml", contents: "bus: [\n"},
		{name: "public http_addr without tls", contents: "http_addr: 0.0.0.0:8090\n"},
		{name: "all interfaces without tls", contents: "http_addr: :8090\n"},
		{name: "hostname without tls", contents: "http_addr: example.com:8090\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, c.contents))
			require.Error(t, err)
		})
	}
}

func TestValidateHTTPAddr(t *testing.T) {
	cases := []struct {
		name   string
		addr   string
		tlsDir string
		expErr bool
	}{
		{name: "disabled", addr: ""},
		{name: "ipv4 loopback", addr: "127.0.0.1:8090"},
		{name: "ipv6 loopback", addr: "[::1]:8090"},
		{name: "localhost", addr: "localhost:8090"},
		{name: "public with tls", addr: "0.0.0.0:8090", tlsDir: "/etc/execbus/tls"},
		{name: "all interfaces with tls", addr: ":8090", tlsDir: "/etc/execbus/tls"},
		{name: "public without tls", addr: "10.1.2.3:8090", expErr: true},
		{name: "all interfaces without tls", addr: ":8090", expErr: true},
		{name: "no port", addr: "127.0.0.1", expErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := &Config{HTTPAddr: c.addr, HTTPTLSDir: c.tlsDir}
			err := cfg.Validate()
			if c.expErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadSearchesUpward(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte("socket: /tmp/found.sock\n"), 0o644))
	sub := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(sub))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/found.sock", cfg.SocketPath())
}

func TestSocketPath(t *testing.T) {
	cases := []struct {
		name      string
		cfg       Config
		runtime   string
		env       string
		expServer string
		expClient string
	}{
		{
			name:      "user bus",
			runtime:   "/run/user/1000",
			expServer: "/run/user/1000/execbus/executor.sock",
			expClient: "/run/user/1000/execbus/executor.sock",
		},
		{
			name:      "user bus without runtime dir",
			expServer: "/run/execbus/executor.sock",
			expClient: "/run/execbus/executor.sock",
		},
		{
			name:      "system bus",
			cfg:       Config{Bus: BusSystem},
			runtime:   "/run/user/1000",
			expServer: "/run/execbus/executor.sock",
			expClient: "/run/execbus/executor.sock",
		},
		{
			name:      "explicit socket",
			cfg:       Config{Socket: "/tmp/x.sock"},
			expServer: "/tmp/x.sock",
			expClient: "/tmp/x.sock",
		},
		{
			name:      "env overrides clients only",
			cfg:       Config{Socket: "/tmp/x.sock"},
			env:       "/tmp/env.sock",
			expServer: "/tmp/x.sock",
			expClient: "/tmp/env.sock",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv("XDG_RUNTIME_DIR", c.runtime)
			t.Setenv(SocketEnv, c.env)
			assert.Equal(t, c.expServer, c.cfg.SocketPath())
			assert.Equal(t, c.expClient, c.cfg.ClientSocketPath())
		})
	}
}
