// Package tzdb holds the in-memory timezone database built from the
// posixinfo and zone1970.tab source files. A DB is immutable once
// loaded; refresh builds a brand-new DB and the server swaps handles.
package tzdb

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Timezone pairs a canonical Olson name with its POSIX TZ rule.
type Timezone struct {
	Olson string
	Posix string
}

// DB indexes timezones by normalized Olson name and by normalized ISO
// country code. Country entries keep source order and may map to more
// than one timezone.
type DB struct {
	timezones  []Timezone
	olsonMap   map[string]int
	countryMap map[string][]int
}

// Load builds a DB from the two on-disk sources.
func Load(posixinfoPath, zoneTabPath string, log *zap.Logger) (*DB, error) {
	db := newDB()

	log.Info("loading timezones", zap.String("path", posixinfoPath))
	f, err := os.Open(posixinfoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", posixinfoPath, err)
	}
	err = db.readTimezones(f, log)
	f.Close()
	if err != nil {
		return nil, err
	}
	log.Info("timezones loaded", zap.Int("count", len(db.timezones)))

	log.Info("loading countries", zap.String("path", zoneTabPath))
	f, err = os.Open(zoneTabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", zoneTabPath, err)
	}
	err = db.readCountries(f, log)
	f.Close()
	if err != nil {
		return nil, err
	}
	log.Info("countries loaded", zap.Int("count", len(db.countryMap)))

	db.applyOverrides(log)
	return db, nil
}

func newDB() *DB {
	return &DB{
		olsonMap:   make(map[string]int),
		countryMap: make(map[string][]int),
	}
}

// readTimezones parses whitespace-separated (olson, posix) pairs, one
// per line. Lines that do not split into exactly two fields are
// skipped with a warning.
func (db *DB) readTimezones(r io.Reader, log *zap.Logger) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) != 2 {
			log.Warn("posixinfo entry is improperly formatted, skipping", zap.String("line", line))
			continue
		}
		if err := db.addTimezone(fields[0], fields[1]); err != nil {
			return err
		}
	}
	return sc.Err()
}

// readCountries parses the tab-separated zone table: first field is a
// comma-separated country code list, third is the olson name. Comment
// lines start with '#'; malformed lines are skipped with a warning.
func (db *DB) readCountries(r io.Reader, log *zap.Logger) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			log.Warn("zone1970.tab entry is improperly formatted, skipping", zap.String("line", line))
			continue
		}
		for _, country := range strings.Split(fields[0], ",") {
			if err := db.addCountryTimezone(country, fields[2]); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

func (db *DB) addTimezone(olson, posix string) error {
	key := Normalize(olson)
	if _, ok := db.olsonMap[key]; ok {
		return fmt.Errorf("timezone %q already added to database", olson)
	}
	db.timezones = append(db.timezones, Timezone{Olson: olson, Posix: posix})
	db.olsonMap[key] = len(db.timezones) - 1
	return nil
}

func (db *DB) addCountryTimezone(country, olson string) error {
	index, ok := db.olsonMap[Normalize(olson)]
	if !ok {
		return fmt.Errorf("attempted to add country %q to nonexistent timezone %q", country, olson)
	}
	key := Normalize(country)
	for _, i := range db.countryMap[key] {
		if i == index {
			return fmt.Errorf("country %q already contains timezone %q", country, olson)
		}
	}
	db.countryMap[key] = append(db.countryMap[key], index)
	return nil
}

// LookupOlson resolves a normalized Olson name. Absence is a normal
// outcome, not an error.
func (db *DB) LookupOlson(normalized string) (*Timezone, bool) {
	index, ok := db.olsonMap[normalized]
	if !ok {
		return nil, false
	}
	return &db.timezones[index], true
}

// LookupCountry resolves a normalized country code to its full
// association set, in source order.
func (db *DB) LookupCountry(normalized string) ([]*Timezone, bool) {
	indices, ok := db.countryMap[normalized]
	if !ok {
		return nil, false
	}
	tzs := make([]*Timezone, 0, len(indices))
	for _, i := range indices {
		tzs = append(tzs, &db.timezones[i])
	}
	return tzs, true
}
