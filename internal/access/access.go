// Package access evaluates allow/deny rules against an inbound request.
package access

import (
	"regexp"
	"strings"

	"registry-proxy-go/internal/config"
)

// Reason identifies the rule that denied a request.
type Reason string

const (
	ReasonPathMismatch         Reason = "pathname_mismatch"
	ReasonUANotWhitelisted     Reason = "ua_not_whitelisted"
	ReasonUABlacklisted        Reason = "ua_blacklisted"
	ReasonIPNotWhitelisted     Reason = "ip_not_whitelisted"
	ReasonIPBlacklisted        Reason = "ip_blacklisted"
	ReasonRegionNotWhitelisted Reason = "region_not_whitelisted"
	ReasonRegionBlacklisted    Reason = "region_blacklisted"
)

// Decision is the outcome of Evaluate. Reason is empty when Allowed.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Subject holds the request attributes rules are matched against.
// Missing values are empty strings.
type Subject struct {
	Path      string
	UserAgent string
	ClientIP  string
	Region    string
}

// check is one rule. allow rules deny when the pattern does not match,
// deny rules deny when it does.
type check struct {
	pattern func(*config.Proxy) *regexp.Regexp
	value   func(Subject) string
	allow   bool
	reason  Reason
}

// checks run in order; the first failing rule wins.
var checks = []check{
	{func(p *config.Proxy) *regexp.Regexp { return p.PathAllow }, pathOf, true, ReasonPathMismatch},
	{func(p *config.Proxy) *regexp.Regexp { return p.UAAllow }, uaOf, true, ReasonUANotWhitelisted},
	{func(p *config.Proxy) *regexp.Regexp { return p.UADeny }, uaOf, false, ReasonUABlacklisted},
	{func(p *config.Proxy) *regexp.Regexp { return p.IPAllow }, ipOf, true, ReasonIPNotWhitelisted},
	{func(p *config.Proxy) *regexp.Regexp { return p.IPDeny }, ipOf, false, ReasonIPBlacklisted},
	{func(p *config.Proxy) *regexp.Regexp { return p.RegionAllow }, regionOf, true, ReasonRegionNotWhitelisted},
	{func(p *config.Proxy) *regexp.Regexp { return p.RegionDeny }, regionOf, false, ReasonRegionBlacklisted},
}

func pathOf(s Subject) string { return s.Path }
func uaOf(s Subject) string { return strings.ToLower(s.UserAgent) }
func ipOf(s Subject) string { return s.ClientIP }
func regionOf(s Subject) string { return s.Region }

// Evaluate applies the configured rules to s. An absent pattern never denies.
func Evaluate(s Subject, cfg *config.Proxy) Decision {
	for _, c := range checks {
		re := c.pattern(cfg)
		if re == nil {
			continue
		}
		if re.MatchString(c.value(s)) != c.allow {
			return Decision{Reason: c.reason}
		}
	}
	return Decision{Allowed: true}
}
