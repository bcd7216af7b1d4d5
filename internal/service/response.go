package service

import (
	"mime"
	"net/http"
	"strings"

	"registry-proxy-go/internal/config"
	"registry-proxy-go/internal/model"
	"registry-proxy-go/internal/rewrite"
	"registry-proxy-go/internal/route"
)

// hopByHopHeaders are response headers that describe the upstream connection.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// rewritableTypes are the media types whose bodies may name the backend host.
// Layer blobs and other binary types pass through untouched.
var rewritableTypes = map[string]bool{
	"application/json": true,
	"application/vnd.docker.distribution.manifest.v1+json":      true,
	"application/vnd.docker.distribution.manifest.v1+prettyjws": true,
	"application/vnd.docker.distribution.manifest.v2+json":      true,
	"application/vnd.docker.distribution.manifest.list.v2+json": true,
	"application/vnd.oci.image.manifest.v1+json":                true,
	"application/vnd.oci.image.index.v1+json":                   true,
}

// rewriteResponse points headers and eligible bodies at the origin host.
func (s *ProxyService) rewriteResponse(pr *model.ProxyRequest, resp *model.ProxyResponse, d route.Decision, cfg *config.Proxy) {
	origin := pr.RC.OriginHostname
	if origin == "" {
		resp.Header = stripHopByHop(resp.Header)
		return
	}

	toOrigin := rewrite.NewReplacer(d.Host, origin)
	dst := make(http.Header, len(resp.Header))
	for key, vals := range stripHopByHop(resp.Header) {
		for _, v := range vals {
			if key == "Www-Authenticate" {
				v = rewrite.Realm(v, cfg.AuthHost, origin)
			}
			dst.Add(key, toOrigin.String(v))
		}
	}
	resp.Header = dst

	if !hasBody(pr.Method, resp.StatusCode) || !rewritable(resp.Header) {
		return
	}
	resp.Body = rewrite.NewReader(resp.Body, d.Host, origin)
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
}

func stripHopByHop(h http.Header) http.Header {
	connection := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			connection[http.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}

	dst := make(http.Header, len(h))
	for key, vals := range h {
		key = http.CanonicalHeaderKey(key)
		if hopByHopHeaders[key] || connection[key] {
			continue
		}
		dst[key] = vals
	}
	return dst
}

func rewritable(h http.Header) bool {
	if h.Get("Content-Encoding") != "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return false
	}
	return rewritableTypes[mt]
}

func hasBody(method string, status int) bool {
	return method != http.MethodHead &&
		status != http.StatusNoContent &&
		status != http.StatusNotModified
}
