package service

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"registry-proxy-go/internal/model"
	"registry-proxy-go/internal/rewrite"
	"registry-proxy-go/internal/route"
)

const userAgent = "registry-proxy-go/1.0"

var (
	manifestPath = regexp.MustCompile(`^/v2/.+/manifests/[^/]+$`)
	blobPath     = regexp.MustCompile(`^/v2/.+/blobs/([^/]+)$`)
	sha256Hex    = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// manifestAccept lists manifest media types in preference order.
var manifestAccept = strings.Join([]string{
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.docker.distribution.manifest.v1+prettyjws",
	"application/vnd.docker.distribution.manifest.v1+json",
	"application/json",
	"*/*",
}, ", ")

// blobAccept lists blob media types in preference order.
var blobAccept = strings.Join([]string{
	"application/vnd.oci.image.layer.v1.tar+gzip",
	"application/vnd.oci.image.layer.v1.tar",
	"application/vnd.docker.image.rootfs.diff.tar.gzip",
	"application/vnd.docker.container.image.v1+json",
	"application/vnd.oci.image.config.v1+json",
	"application/octet-stream",
	"*/*",
}, ", ")

// droppedRequestHeaders are never forwarded upstream: client identity set by
// the edge, hop-by-hop headers, and headers the transport owns. Keys are
// lower case. Accept-Encoding is left to the transport so compressed
// responses are decoded before the body rewriter sees them.
var droppedRequestHeaders = map[string]bool{
	"cf-connecting-ip":    true,
	"cf-ipcountry":        true,
	"cf-ray":              true,
	"cf-visitor":          true,
	"true-client-ip":      true,
	"x-real-ip":           true,
	"forwarded":           true,
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
	"content-length":      true,
	"accept-encoding":     true,
}

func dropRequestHeader(key string) bool {
	k := strings.ToLower(key)
	return droppedRequestHeaders[k] || strings.HasPrefix(k, "x-forwarded-")
}

// buildUpstreamRequest turns the inbound request into the request sent to the
// routed backend. A malformed blob digest fails before anything is sent.
func (s *ProxyService) buildUpstreamRequest(pr *model.ProxyRequest, d route.Decision) (*http.Request, error) {
	if err := validateDigest(pr.Path); err != nil {
		pe := model.NewError(model.KindInvalidDigest, model.StageAccessChecked, err)
		pe.Reason = "invalid_digest"
		return nil, pe
	}

	u := url.URL{
		Scheme:   d.Protocol,
		Host:     d.Host,
		Path:     pr.Path,
		RawQuery: pr.RawQuery,
	}
	if u.RawQuery == "" && len(pr.Query) > 0 {
		u.RawQuery = pr.Query.Encode()
	}

	body := pr.Body
	if pr.Method == http.MethodGet || pr.Method == http.MethodHead || body == nil || pr.ContentLength == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, u.String(), body)
	if err != nil {
		return nil, model.NewError(model.KindFetch, model.StageAccessChecked, fmt.Errorf("build upstream request: %w", err))
	}
	if body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}
	req.Header = s.rewriteRequestHeaders(pr, d)
	return req, nil
}

func (s *ProxyService) rewriteRequestHeaders(pr *model.ProxyRequest, d route.Decision) http.Header {
	dst := make(http.Header, len(pr.Header)+2)

	// Headers named by Connection are hop-by-hop as well.
	connection := make(map[string]bool)
	for _, v := range pr.Header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			connection[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}

	toBackend := rewrite.NewReplacer(pr.RC.OriginHostname, d.Host)
	for key, vals := range pr.Header {
		if dropRequestHeader(key) || connection[strings.ToLower(key)] {
			continue
		}
		canonical := http.CanonicalHeaderKey(key)
		for _, v := range vals {
			if canonical != "Range" {
				v = toBackend.String(v)
			}
			dst.Add(canonical, v)
		}
	}

	switch {
	case manifestPath.MatchString(pr.Path):
		dst.Set("Accept", manifestAccept)
	case blobPath.MatchString(pr.Path):
		dst.Set("Accept", blobAccept)
	}
	dst.Set("Docker-Distribution-API-Version", "registry/2.0")
	if dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", userAgent)
	}
	return dst
}

// validateDigest rejects blob references of the form sha256:<hex> whose hex
// part is not exactly 64 lowercase hex characters.
func validateDigest(path string) error {
	m := blobPath.FindStringSubmatch(path)
	if m == nil {
		return nil
	}
	sum, ok := strings.CutPrefix(m[1], "sha256:")
	if !ok {
		return nil
	}
	if !sha256Hex.MatchString(sum) {
		return fmt.Errorf("blob digest %q is not 64 lowercase hex characters", m[1])
	}
	return nil
}
