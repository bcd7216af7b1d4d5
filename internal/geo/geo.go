// Package geo resolves the client region matched by the region access rules.
package geo

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/oschwald/maxminddb-golang/v2"

	"registry-proxy-go/internal/config"
)

// HeaderCountry carries the ISO country code set by the edge network.
const HeaderCountry = "CF-IPCountry"

// countryRecord maps the country part of a MaxMind GeoIP2/GeoLite2 record.
type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Resolver returns a client's region, preferring the edge header and falling
// back to an optional MaxMind database.
type Resolver struct {
	db     *maxminddb.Reader
	logger *slog.Logger
}

// NewResolver opens the configured database, if any.
func NewResolver(cfg *config.Config, logger *slog.Logger) (*Resolver, error) {
	r := &Resolver{logger: logger.With("component", "geo")}

	path := cfg.GeoIP.DatabasePath
	if path == "" {
		return r, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	r.db = db
	r.logger.Info("geoip database loaded", "path", path)
	return r, nil
}

// Region returns the ISO country code for the request, or "" when unknown.
// h holds headers from a trusted edge and may be nil.
func (r *Resolver) Region(clientIP string, h http.Header) string {
	if v := strings.TrimSpace(h.Get(HeaderCountry)); v != "" {
		return v
	}
	if r == nil || r.db == nil || clientIP == "" {
		return ""
	}

	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return ""
	}
	var rec countryRecord
	if err := r.db.Lookup(addr).Decode(&rec); err != nil {
		r.logger.Debug("geoip lookup failed", "client_ip", clientIP, "err", err)
		return ""
	}
	return rec.Country.ISOCode
}

// Close releases the database.
func (r *Resolver) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
