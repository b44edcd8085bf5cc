// Package geoip wraps an optional MaxMind country database behind a
// process-wide handle. Load swaps the handle atomically; lookups clone
// the pointer and never block loaders.
package geoip

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/oschwald/maxminddb-golang"
)

var db atomic.Pointer[maxminddb.Reader]

// Load opens the MaxMind database at path and installs it as the process
// lookup source. Passing the empty string clears the handle.
func Load(path string) error {
	if path == "" {
		db.Store(nil)
		return nil
	}

	reader, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("opening maxmind database: %w", err)
	}

	if old := db.Swap(reader); old != nil {
		_ = old.Close()
	}
	return nil
}

// Loaded reports whether a database is installed.
func Loaded() bool {
	return db.Load() != nil
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// CountryCode returns the ISO country code for the given textual IP, or ""
// when no database is loaded, the IP is malformed, or no record exists.
func CountryCode(ip string) string {
	reader := db.Load()
	if reader == nil {
		return ""
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}

	var record countryRecord
	if err := reader.Lookup(parsed, &record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}
