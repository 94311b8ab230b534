// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/quic-proxy/config.toml",
	"configs/config.toml",
}

// MaxRequestBytesLimit caps server.max_request_bytes. Each stream buffers its
// whole request in memory.
const MaxRequestBytesLimit = 1 << 30

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Listen         string `kong:"help='UDP address to listen on (overrides config).',env='LISTEN'"`
	Upstream       string `kong:"short='u',help='Base URL of the HTTP upstream (overrides config).',env='UPSTREAM_URL'"`
	Cert           string `kong:"help='TLS certificate chain, DER if *.der else PEM (overrides config).',env='TLS_CERT'"`
	Key            string `kong:"short='k',help='TLS private key, DER if *.der else PEM (overrides config).',env='TLS_KEY'"`
	StatelessRetry bool   `kong:"help='Validate client addresses with a Retry before every handshake.'"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	TLS      TLSConfig      `toml:"tls" yaml:"tls"`
	QUIC     QUICConfig     `toml:"quic" yaml:"quic"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds QUIC listener and per-stream settings.
type ServerConfig struct {
	Listen             string          `toml:"listen" yaml:"listen"`
	MaxRequestBytes    int64           `toml:"max_request_bytes" yaml:"max_request_bytes"`
	MaxHeaders         int             `toml:"max_headers" yaml:"max_headers"`
	ReadTimeoutSeconds int             `toml:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	StatelessRetry     bool            `toml:"stateless_retry" yaml:"stateless_retry"`
	ALPN               []string        `toml:"alpn" yaml:"alpn"`
	RateLimit          RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls admission of new connections.
type RateLimitConfig struct {
	Enabled              bool    `toml:"enabled" yaml:"enabled"`
	ConnectionsPerSecond float64 `toml:"connections_per_second" yaml:"connections_per_second"`
	Burst                int     `toml:"burst" yaml:"burst"`
}

// TLSConfig holds certificate material locations.
type TLSConfig struct {
	CertFile string `toml:"cert_file" yaml:"cert_file"`
	KeyFile  string `toml:"key_file" yaml:"key_file"`
	Watch    bool   `toml:"watch" yaml:"watch"` // reload the key pair when either file changes
}

// QUICConfig holds transport parameters.
type QUICConfig struct {
	HandshakeTimeoutSeconds int   `toml:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
	MaxIdleTimeoutSeconds   int   `toml:"max_idle_timeout_seconds" yaml:"max_idle_timeout_seconds"`
	MaxIncomingStreams      int64 `toml:"max_incoming_streams" yaml:"max_incoming_streams"`
	KeepAliveSeconds        int   `toml:"keep_alive_seconds" yaml:"keep_alive_seconds"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url" yaml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections" yaml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics and admin endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
	Path    string `toml:"path" yaml:"path"`
}

// Load reads the config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/quic-proxy/config.toml then configs/config.toml. Without a config file
// every setting falls back to its default.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := unmarshal(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// unmarshal decodes YAML for *.yaml and *.yml files and TOML otherwise.
func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Listen != "" {
		c.Server.Listen = cli.Listen
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.Cert != "" {
		c.TLS.CertFile = cli.Cert
	}
	if cli.Key != "" {
		c.TLS.KeyFile = cli.Key
	}
	if cli.StatelessRetry {
		c.Server.StatelessRetry = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen must be host:port; got %q", c.Server.Listen)
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.MaxRequestBytes < 0 || c.Server.MaxRequestBytes > MaxRequestBytesLimit {
		return fmt.Errorf("server.max_request_bytes must be between 1 and %d; got %d", MaxRequestBytesLimit, c.Server.MaxRequestBytes)
	}
	if c.Server.MaxHeaders < 0 {
		return fmt.Errorf("server.max_headers must be positive; got %d", c.Server.MaxHeaders)
	}
	if c.Server.ReadTimeoutSeconds < 0 {
		return fmt.Errorf("server.read_timeout_seconds must be non-negative; got %d", c.Server.ReadTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.ConnectionsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.connections_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.ConnectionsPerSecond)
	}
	if c.QUIC.HandshakeTimeoutSeconds < 0 || c.QUIC.MaxIdleTimeoutSeconds < 0 || c.QUIC.KeepAliveSeconds < 0 {
		return fmt.Errorf("quic timeouts must be non-negative")
	}
	if c.QUIC.MaxIncomingStreams < 0 {
		return fmt.Errorf("quic.max_incoming_streams must be non-negative; got %d", c.QUIC.MaxIncomingStreams)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	for _, p := range c.Server.ALPN {
		if p == "" || len(p) > 255 {
			return fmt.Errorf("server.alpn entries must be 1-255 bytes; got %q", p)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr must be host:port; got %q", c.Metrics.Addr)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:4433"
	}
	if c.Server.MaxRequestBytes == 0 {
		c.Server.MaxRequestBytes = 64 * 1024
	}
	if c.Server.MaxHeaders == 0 {
		c.Server.MaxHeaders = 16
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 30
	}
	if len(c.Server.ALPN) == 0 {
		c.Server.ALPN = []string{"hq-interop"}
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = max(1, int(c.Server.RateLimit.ConnectionsPerSecond))
	}
	if c.TLS.CertFile == "" {
		c.TLS.CertFile = "certs/cert.der"
	}
	if c.TLS.KeyFile == "" {
		c.TLS.KeyFile = "certs/key.der"
	}
	if c.QUIC.HandshakeTimeoutSeconds == 0 {
		c.QUIC.HandshakeTimeoutSeconds = 10
	}
	if c.QUIC.MaxIdleTimeoutSeconds == 0 {
		c.QUIC.MaxIdleTimeoutSeconds = 30
	}
	if c.QUIC.MaxIncomingStreams == 0 {
		c.QUIC.MaxIncomingStreams = 100
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "http://localhost:5000"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
