package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

// realmPattern matches the realm parameter of a WWW-Authenticate challenge.
var realmPattern = regexp.MustCompile(`(?i)(realm=")([^"]*)(")`)

// Realm points the realm URL of a WWW-Authenticate challenge at originHost
// when it names authHost, keeping the scheme, path and query. Other
// challenges are returned unchanged.
func Realm(challenge, authHost, originHost string) string {
	return realmPattern.ReplaceAllStringFunc(challenge, func(m string) string {
		parts := realmPattern.FindStringSubmatch(m)
		u, err := url.Parse(parts[2])
		if err != nil || !strings.EqualFold(u.Host, authHost) {
			return m
		}
		u.Host = originHost
		return parts[1] + u.String() + parts[3]
	})
}
