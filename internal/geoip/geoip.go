// Package geoip provides optional client-country enrichment for usage log
// entries, backed by a MaxMind-format mmdb file.
package geoip

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/maxminddb-golang"
)

// Resolver maps a client IP to an ISO 3166-1 alpha-2 country code.
// A nil *Resolver is valid and resolves everything to "".
type Resolver struct {
	reader *maxminddb.Reader
}

// Open loads an mmdb country database from path.
func Open(path string) (*Resolver, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &Resolver{reader: reader}, nil
}

// Close releases the mmdb reader.
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

// Country returns the country code for clientIP, or "" when the resolver is
// disabled, the address is unparseable, or the database has no record.
func (r *Resolver) Country(clientIP string) string {
	if r == nil || r.reader == nil {
		return ""
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return ""
	}

	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := r.reader.Lookup(net.IP(addr.AsSlice()), &record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}
