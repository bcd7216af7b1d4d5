package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"registry-proxy-go/internal/regexcache"
)

// Bag is the raw key/value configuration consumed by Resolve.
type Bag map[string]string

// Recognized Bag keys.
const (
	KeyHostname             = "PROXY_HOSTNAME"
	KeyProtocol             = "PROXY_PROTOCOL"
	KeyAuthHostname         = "AUTH_HOSTNAME"
	KeyIndexHostname        = "INDEX_HOSTNAME"
	KeyMirrors              = "UPSTREAM_MIRRORS"
	KeyTimeout              = "REQUEST_TIMEOUT"
	KeyMaxRetries           = "MAX_RETRIES"
	KeyPathnameRegex        = "PATHNAME_REGEX"
	KeyUAWhitelistRegex     = "UA_WHITELIST_REGEX"
	KeyUABlacklistRegex     = "UA_BLACKLIST_REGEX"
	KeyIPWhitelistRegex     = "IP_WHITELIST_REGEX"
	KeyIPBlacklistRegex     = "IP_BLACKLIST_REGEX"
	KeyRegionWhitelistRegex = "REGION_WHITELIST_REGEX"
	KeyRegionBlacklistRegex = "REGION_BLACKLIST_REGEX"
	KeyURL302               = "URL302"
	KeyDebug                = "DEBUG"
)

// Defaults applied by Resolve when a key is absent.
const (
	DefaultProtocol   = "https"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultAuthHost   = "auth.docker.io"
	DefaultIndexHost  = "index.docker.io"
)

// ErrInvalid is wrapped by every error Resolve returns.
var ErrInvalid = errors.New("invalid proxy configuration")

// Proxy is the validated per-request view of the configuration bag. A nil
// pattern means the rule is absent and never denies.
type Proxy struct {
	Hostname  string
	Protocol  string
	AuthHost  string
	IndexHost string
	Mirrors   []string

	PathAllow   *regexp.Regexp
	UAAllow     *regexp.Regexp
	UADeny      *regexp.Regexp
	IPAllow     *regexp.Regexp
	IPDeny      *regexp.Regexp
	RegionAllow *regexp.Regexp
	RegionDeny  *regexp.Regexp

	Timeout     time.Duration
	MaxRetries  int
	Debug       bool
	RedirectURL string
}

// patternKeys binds each regex key to its Proxy field. User-agent patterns
// are compiled case-insensitively because user agents are lower-cased before
// matching.
var patternKeys = []struct {
	key   string
	flags string
	field func(*Proxy) **regexp.Regexp
}{
	{KeyPathnameRegex, "", func(p *Proxy) **regexp.Regexp { return &p.PathAllow }},
	{KeyUAWhitelistRegex, "i", func(p *Proxy) **regexp.Regexp { return &p.UAAllow }},
	{KeyUABlacklistRegex, "i", func(p *Proxy) **regexp.Regexp { return &p.UADeny }},
	{KeyIPWhitelistRegex, "", func(p *Proxy) **regexp.Regexp { return &p.IPAllow }},
	{KeyIPBlacklistRegex, "", func(p *Proxy) **regexp.Regexp { return &p.IPDeny }},
	{KeyRegionWhitelistRegex, "", func(p *Proxy) **regexp.Regexp { return &p.RegionAllow }},
	{KeyRegionBlacklistRegex, "", func(p *Proxy) **regexp.Regexp { return &p.RegionDeny }},
}

// Resolve validates bag and returns the typed configuration. It has no side
// effects beyond populating cache, so calling it for every request is safe.
func Resolve(bag Bag, cache *regexcache.Cache) (*Proxy, error) {
	p := &Proxy{
		Hostname:    normalizeHost(bag[KeyHostname]),
		Protocol:    DefaultProtocol,
		AuthHost:    DefaultAuthHost,
		IndexHost:   DefaultIndexHost,
		Timeout:     DefaultTimeout,
		MaxRetries:  DefaultMaxRetries,
		RedirectURL: strings.TrimSpace(bag[KeyURL302]),
	}

	for _, m := range splitList(bag[KeyMirrors]) {
		p.Mirrors = append(p.Mirrors, normalizeHost(m))
	}
	if p.Hostname == "" && len(p.Mirrors) == 0 {
		return nil, invalid(KeyHostname, "is required unless %s is set", KeyMirrors)
	}

	if v := strings.TrimSpace(bag[KeyProtocol]); v != "" {
		v = strings.ToLower(v)
		if v != "http" && v != "https" {
			return nil, invalid(KeyProtocol, "must be http or https; got %q", v)
		}
		p.Protocol = v
	}
	if v := normalizeHost(bag[KeyAuthHostname]); v != "" {
		p.AuthHost = v
	}
	if v := normalizeHost(bag[KeyIndexHostname]); v != "" {
		p.IndexHost = v
	}

	if v := strings.TrimSpace(bag[KeyTimeout]); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, invalid(KeyTimeout, "must be a positive number of milliseconds; got %q", v)
		}
		p.Timeout = time.Duration(ms) * time.Millisecond
	}
	if v := strings.TrimSpace(bag[KeyMaxRetries]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, invalid(KeyMaxRetries, "must be a non-negative integer; got %q", v)
		}
		p.MaxRetries = n
	}
	if v := strings.TrimSpace(bag[KeyDebug]); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, invalid(KeyDebug, "must be a boolean; got %q", v)
		}
		p.Debug = b
	}
	if p.RedirectURL != "" {
		u, err := url.Parse(p.RedirectURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, invalid(KeyURL302, "must be an absolute URL; got %q", p.RedirectURL)
		}
	}

	for _, pk := range patternKeys {
		pattern := bag[pk.key]
		if pattern == "" {
			continue
		}
		re, err := cache.Compile(pattern, pk.flags)
		if err != nil {
			return nil, invalid(pk.key, "%v", err)
		}
		*pk.field(p) = re
	}

	return p, nil
}

func invalid(key, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s", ErrInvalid, key, fmt.Sprintf(format, args...))
}

// normalizeHost trims whitespace, a URL scheme, and trailing slashes, and
// lower-cases the result.
func normalizeHost(h string) string {
	h = strings.TrimSpace(h)
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	return strings.ToLower(strings.TrimRight(h, "/"))
}
