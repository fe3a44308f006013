package hub

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves socket remote addresses against a MaxMind city database
// and contributes country/city keys to node metadata.
type GeoIP struct {
	log *slog.Logger
	db  *geoip2.Reader
}

func NewGeoIP(path string, log *slog.Logger) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP city database: %w", err)
	}
	return &GeoIP{log: log, db: db}, nil
}

func (g *GeoIP) Locate(addr net.Addr) map[string]any {
	if addr == nil {
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() {
		return nil
	}

	city, err := g.db.City(ip)
	if err != nil {
		g.log.Debug("hub: geoip lookup failed", "ip", host, "error", err)
		return nil
	}
	out := make(map[string]any)
	if name := city.Country.Names["en"]; name != "" {
		out["geoCountry"] = name
	}
	if name := city.City.Names["en"]; name != "" {
		out["geoCity"] = name
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (g *GeoIP) Close() error {
	return g.db.Close()
}
