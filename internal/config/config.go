package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const secondsPerDay = 86400

// Config is the immutable startup snapshot of all TZD_* settings.
// It is constructed once in main and read-only afterwards.
type Config struct {
	Host string
	Port int

	// RateLimit is the per-IP window between accepted requests.
	// Zero disables rate limiting.
	RateLimit         time.Duration
	ClientPrunePeriod time.Duration

	TZRefreshPeriod    time.Duration
	GeoIPRefreshPeriod time.Duration

	DataDir string

	// GeoIPURL is passed to the GeoIP refresh script. Empty disables
	// GeoIP refresh entirely.
	GeoIPURL string

	TZRefreshScript    string
	GeoIPRefreshScript string

	// MetricsAddr is the optional Prometheus listen address. Empty
	// disables the metrics listener.
	MetricsAddr string
}

// Load reads the configuration from the environment. An explicitly set
// but unparsable value is an error naming the key and expected type.
func Load() (*Config, error) {
	cfg := &Config{
		Host:               getString("TZD_HOST", "127.0.0.1"),
		DataDir:            getString("TZD_DATA_DIR", "/home/timezoned"),
		GeoIPURL:           getString("TZD_GEOIP_URL", ""),
		TZRefreshScript:    getString("TZD_TZ_REFRESH_SCRIPT", "./update_tzdata.sh"),
		GeoIPRefreshScript: getString("TZD_GEOIP_REFRESH_SCRIPT", "./update_mmdb.sh"),
		MetricsAddr:        getString("TZD_METRICS_ADDR", ""),
	}

	var err error
	if cfg.Port, err = getInt("TZD_PORT", 2342); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = getSeconds("TZD_RATELIMIT_SECONDS", 3); err != nil {
		return nil, err
	}
	if cfg.ClientPrunePeriod, err = getSeconds("TZD_CLIENT_PRUNE_SECONDS", 10); err != nil {
		return nil, err
	}
	if cfg.TZRefreshPeriod, err = getDays("TZD_TZ_REFRESH_DAYS", 7); err != nil {
		return nil, err
	}
	if cfg.GeoIPRefreshPeriod, err = getDays("TZD_GEOIP_REFRESH_DAYS", 7); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListenAddr is the host:port pair the UDP socket binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PosixinfoPath is the olson-name/POSIX-rule source file.
func (c *Config) PosixinfoPath() string {
	return filepath.Join(c.DataDir, "posixinfo")
}

// ZoneTabPath is the tab-separated country/zone table.
func (c *Config) ZoneTabPath() string {
	return filepath.Join(c.DataDir, "zone1970.tab")
}

// MMDBPath is the binary GeoIP database.
func (c *Config) MMDBPath() string {
	return filepath.Join(c.DataDir, "GeoLite2-City.mmdb")
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s is configured with invalid value %q, expected integer", key, v)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s is configured with invalid value %q, expected non-negative integer", key, v)
	}
	return n, nil
}

func getSeconds(key string, def int) (time.Duration, error) {
	n, err := getInt(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func getDays(key string, def int) (time.Duration, error) {
	n, err := getInt(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * secondsPerDay * time.Second, nil
}
