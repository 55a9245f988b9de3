package tzdb

import "go.uber.org/zap"

// Override rules layered on top of the generic sources. Historical
// behavior carried over from the ezTime reference server; each rule
// tolerates absence of its inputs. Order matters.
var overrides = []func(*DB, *zap.Logger){
	aliasUKToGB,
	forceBerlinForDE,
	rewriteDublinPosix,
}

func (db *DB) applyOverrides(log *zap.Logger) {
	for _, apply := range overrides {
		apply(db, log)
	}
}

// The zone table uses ISO code GB, but clients commonly send UK.
func aliasUKToGB(db *DB, log *zap.Logger) {
	gb, ok := db.countryMap["GB"]
	if !ok {
		return
	}
	log.Debug("aliasing 'UK' to 'GB'")
	db.countryMap["UK"] = append([]int(nil), gb...)
}

// Germany spans multiple zone table entries that share one offset;
// collapse DE to Europe/Berlin so country lookups succeed.
func forceBerlinForDE(db *DB, log *zap.Logger) {
	index, ok := db.olsonMap["EUROPE/BERLIN"]
	if !ok {
		return
	}
	log.Debug("overriding 'DE' to 'Europe/Berlin'")
	db.countryMap["DE"] = []int{index}
}

// Upstream source data inverts the sign of Ireland's DST offset;
// replace the rule with the correct one.
func rewriteDublinPosix(db *DB, log *zap.Logger) {
	index, ok := db.olsonMap["EUROPE/DUBLIN"]
	if !ok {
		return
	}
	log.Debug("rewriting timezone 'Europe/Dublin'")
	db.timezones[index].Posix = "GMT0IST,M3.5.0/1,M10.5.0"
}
