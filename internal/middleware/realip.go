package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"registry-proxy-go/internal/config"
)

// HeaderConnectingIP carries the client address as seen by the edge.
const HeaderConnectingIP = "CF-Connecting-IP"

// TrustedProxies decides which peers may assert a client's address and
// region through request headers. A nil or empty set trusts no peer, so the
// TCP peer is the client.
type TrustedProxies struct {
	nets    []*net.IPNet
	extract echo.IPExtractor
}

// NewTrustedProxies builds the set from CIDRs or bare IPs.
func NewTrustedProxies(cidrs []string) (*TrustedProxies, error) {
	t := &TrustedProxies{}
	for _, cidr := range cidrs {
		n, err := config.ParseTrustedProxy(cidr)
		if err != nil {
			return nil, err
		}
		t.nets = append(t.nets, n)
	}

	if len(t.nets) == 0 {
		t.extract = echo.ExtractIPDirect()
		return t, nil
	}

	// Echo trusts loopback and private ranges unless told otherwise.
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range t.nets {
		opts = append(opts, echo.TrustIPRange(n))
	}
	t.extract = echo.ExtractIPFromXFFHeader(opts...)
	return t, nil
}

// IPExtractor returns the extractor to install as echo.Echo.IPExtractor.
func (t *TrustedProxies) IPExtractor() echo.IPExtractor {
	if t == nil || t.extract == nil {
		return echo.ExtractIPDirect()
	}
	return t.extract
}

// Trusted reports whether r arrived directly from a trusted proxy.
func (t *TrustedProxies) Trusted(r *http.Request) bool {
	if t == nil || len(t.nets) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range t.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// EdgeHeader returns r's headers when the peer is a trusted edge, and nil
// otherwise.
func (t *TrustedProxies) EdgeHeader(r *http.Request) http.Header {
	if !t.Trusted(r) {
		return nil
	}
	return r.Header
}

// ClientIP returns the client address. The edge header is honoured only
// from a trusted peer; otherwise X-Forwarded-For is walked past trusted hops,
// falling back to the peer address.
func (t *TrustedProxies) ClientIP(c echo.Context) string {
	req := c.Request()
	if t.Trusted(req) {
		if ip := strings.TrimSpace(req.Header.Get(HeaderConnectingIP)); ip != "" {
			return ip
		}
	}
	return t.IPExtractor()(req)
}
