// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/registry-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong. The registry and access
// flags read the same environment keys the edge deployment uses.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	TrustedProxies string `kong:"help='Comma-separated peer CIDRs allowed to set client address and region headers.',env='TRUSTED_PROXIES'"`

	Hostname      string `kong:"help='Default upstream registry host.',env='PROXY_HOSTNAME'"`
	Protocol      string `kong:"help='Upstream protocol: http|https.',env='PROXY_PROTOCOL'"`
	AuthHostname  string `kong:"help='Auth/token backend host.',env='AUTH_HOSTNAME'"`
	IndexHostname string `kong:"help='Search/index backend host.',env='INDEX_HOSTNAME'"`
	Mirrors       string `kong:"help='Comma-separated mirror hosts probed when no hostname is set.',env='UPSTREAM_MIRRORS'"`
	Timeout       string `kong:"name='request-timeout',help='Per-attempt upstream timeout in milliseconds.',env='REQUEST_TIMEOUT'"`
	MaxRetries    string `kong:"help='Maximum upstream attempts.',env='MAX_RETRIES'"`
	URL302        string `kong:"name='url302',help='Redirect target for denied requests.',env='URL302'"`
	Debug         bool   `kong:"help='Verbose routing logs and error details.',env='DEBUG'"`

	PathnameRegex        string `kong:"help='Allowed request path pattern.',env='PATHNAME_REGEX'"`
	UAWhitelistRegex     string `kong:"name='ua-whitelist-regex',help='Allowed user-agent pattern.',env='UA_WHITELIST_REGEX'"`
	UABlacklistRegex     string `kong:"name='ua-blacklist-regex',help='Denied user-agent pattern.',env='UA_BLACKLIST_REGEX'"`
	IPWhitelistRegex     string `kong:"name='ip-whitelist-regex',help='Allowed client IP pattern.',env='IP_WHITELIST_REGEX'"`
	IPBlacklistRegex     string `kong:"name='ip-blacklist-regex',help='Denied client IP pattern.',env='IP_BLACKLIST_REGEX'"`
	RegionWhitelistRegex string `kong:"help='Allowed client region pattern.',env='REGION_WHITELIST_REGEX'"`
	RegionBlacklistRegex string `kong:"help='Denied client region pattern.',env='REGION_BLACKLIST_REGEX'"`

	GeoIPDatabase string `kong:"name='geoip-database',help='MaxMind country database used when the edge sends no region header.',env='GEOIP_DATABASE'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Registry RegistryConfig `toml:"registry"`
	Access   AccessConfig   `toml:"access"`
	Upstream UpstreamConfig `toml:"upstream"`
	GeoIP    GeoIPConfig    `toml:"geoip"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)

	// Raw CLI/env values for numeric keys; Resolve reports the key when they
	// do not parse.
	timeoutOverride    string
	maxRetriesOverride string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`           // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 disables the limit; blob uploads are large
	RateLimit    RateLimitConfig `toml:"rate_limit"`

	// TrustedProxies lists the edge peers (CIDRs or bare IPs) whose
	// forwarding headers are believed. Empty means the TCP peer is the client.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RegistryConfig names the upstream registry hosts.
type RegistryConfig struct {
	Hostname      string   `toml:"hostname"`
	Protocol      string   `toml:"protocol"`
	AuthHostname  string   `toml:"auth_hostname"`
	IndexHostname string   `toml:"index_hostname"`
	Mirrors       []string `toml:"mirrors"`
	RedirectURL   string   `toml:"redirect_url"`
	Debug         bool     `toml:"debug"`
}

// AccessConfig holds the allow/deny patterns. An empty pattern means the rule
// is not applied.
type AccessConfig struct {
	PathnameRegex        string `toml:"pathname_regex"`
	UAWhitelistRegex     string `toml:"ua_whitelist_regex"`
	UABlacklistRegex     string `toml:"ua_blacklist_regex"`
	IPWhitelistRegex     string `toml:"ip_whitelist_regex"`
	IPBlacklistRegex     string `toml:"ip_blacklist_regex"`
	RegionWhitelistRegex string `toml:"region_whitelist_regex"`
	RegionBlacklistRegex string `toml:"region_blacklist_regex"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutMS       int  `toml:"timeout_ms"`
	MaxRetries      *int `toml:"max_retries"` // pointer so an explicit 0 survives
	IdleConnections int  `toml:"idle_connections"`
}

// GeoIPConfig points at an optional MaxMind country database.
type GeoIPConfig struct {
	DatabasePath string `toml:"database_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// An explicit path (via --config or CONFIG_PATH) must exist. Otherwise
// /etc/registry-proxy/config.toml then configs/config.toml are tried, and
// when neither exists the proxy runs from flags and environment alone.
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
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	override(&c.Server.Host, cli.Host)
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	override(&c.Log.Level, cli.LogLevel)
	if cli.TrustedProxies != "" {
		c.Server.TrustedProxies = splitList(cli.TrustedProxies)
	}

	override(&c.Registry.Hostname, cli.Hostname)
	override(&c.Registry.Protocol, cli.Protocol)
	override(&c.Registry.AuthHostname, cli.AuthHostname)
	override(&c.Registry.IndexHostname, cli.IndexHostname)
	override(&c.Registry.RedirectURL, cli.URL302)
	if cli.Mirrors != "" {
		c.Registry.Mirrors = splitList(cli.Mirrors)
	}
	if cli.Debug {
		c.Registry.Debug = true
	}

	c.timeoutOverride = cli.Timeout
	c.maxRetriesOverride = cli.MaxRetries

	override(&c.Access.PathnameRegex, cli.PathnameRegex)
	override(&c.Access.UAWhitelistRegex, cli.UAWhitelistRegex)
	override(&c.Access.UABlacklistRegex, cli.UABlacklistRegex)
	override(&c.Access.IPWhitelistRegex, cli.IPWhitelistRegex)
	override(&c.Access.IPBlacklistRegex, cli.IPBlacklistRegex)
	override(&c.Access.RegionWhitelistRegex, cli.RegionWhitelistRegex)
	override(&c.Access.RegionBlacklistRegex, cli.RegionBlacklistRegex)

	override(&c.GeoIP.DatabasePath, cli.GeoIPDatabase)
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutMS < 0 {
		return fmt.Errorf("upstream.timeout_ms must be non-negative; got %d", c.Upstream.TimeoutMS)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	for _, p := range c.Server.TrustedProxies {
		if _, err := ParseTrustedProxy(p); err != nil {
			return fmt.Errorf("server.trusted_proxies: %w", err)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}

	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/v1", "/v2", "/token", "/healthz", "/proxy"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	// The registry bag is resolved again per request; failing here keeps a
	// broken deployment from starting at all.
	if _, err := Resolve(c.Bag(), nil); err != nil {
		return err
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, IdleConnections), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
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
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Bag renders the registry, access, and upstream settings as the raw
// key/value bag consumed by Resolve. Unset values are omitted.
func (c *Config) Bag() Bag {
	b := make(Bag)
	set := func(key, v string) {
		if v = strings.TrimSpace(v); v != "" {
			b[key] = v
		}
	}

	set(KeyHostname, c.Registry.Hostname)
	set(KeyProtocol, c.Registry.Protocol)
	set(KeyAuthHostname, c.Registry.AuthHostname)
	set(KeyIndexHostname, c.Registry.IndexHostname)
	set(KeyMirrors, strings.Join(c.Registry.Mirrors, ","))
	set(KeyURL302, c.Registry.RedirectURL)
	if c.Registry.Debug {
		b[KeyDebug] = "true"
	}

	if c.timeoutOverride != "" {
		set(KeyTimeout, c.timeoutOverride)
	} else if c.Upstream.TimeoutMS > 0 {
		b[KeyTimeout] = strconv.Itoa(c.Upstream.TimeoutMS)
	}
	if c.maxRetriesOverride != "" {
		set(KeyMaxRetries, c.maxRetriesOverride)
	} else if c.Upstream.MaxRetries != nil {
		b[KeyMaxRetries] = strconv.Itoa(*c.Upstream.MaxRetries)
	}

	set(KeyPathnameRegex, c.Access.PathnameRegex)
	set(KeyUAWhitelistRegex, c.Access.UAWhitelistRegex)
	set(KeyUABlacklistRegex, c.Access.UABlacklistRegex)
	set(KeyIPWhitelistRegex, c.Access.IPWhitelistRegex)
	set(KeyIPBlacklistRegex, c.Access.IPBlacklistRegex)
	set(KeyRegionWhitelistRegex, c.Access.RegionWhitelistRegex)
	set(KeyRegionBlacklistRegex, c.Access.RegionBlacklistRegex)
	return b
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseTrustedProxy parses a trusted proxy entry. A bare IP is treated as a
// single-host network.
func ParseTrustedProxy(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", s)
		}
		if ip.To4() != nil {
			s += "/32"
		} else {
			s += "/128"
		}
	}
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
	}
	return n, nil
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
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
