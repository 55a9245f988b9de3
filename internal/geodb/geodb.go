// Package geodb wraps the binary GeoIP database used to resolve a
// requester IP to a timezone name.
package geodb

import (
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"
)

// Resolver is a read-only handle to a GeoLite2 City database. Like the
// timezone database it is rebuilt on refresh, never mutated.
type Resolver struct {
	reader *geoip2.Reader
}

// Open promotes a staged database file if one exists, then opens the
// live path. The refresh script downloads to <path>.new; renaming
// before opening means a reader can never observe a half-written file.
func Open(path string) (*Resolver, error) {
	staged := path + ".new"
	if _, err := os.Stat(staged); err == nil {
		if err := os.Rename(staged, path); err != nil {
			return nil, err
		}
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &Resolver{reader: reader}, nil
}

// TimezoneName returns the raw (non-normalized) timezone name for an
// IP. A miss of any kind — unknown IP, record without a timezone
// field — is an expected outcome, not an error.
func (r *Resolver) TimezoneName(ip net.IP) (string, bool) {
	record, err := r.reader.City(ip)
	if err != nil || record.Location.TimeZone == "" {
		return "", false
	}
	return record.Location.TimeZone, true
}

// Close releases the underlying database file. Called on the old
// handle after a refresh swap.
func (r *Resolver) Close() error {
	return r.reader.Close()
}
