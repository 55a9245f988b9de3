package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/curtisra-gif/timezoned/internal/config"
	"github.com/curtisra-gif/timezoned/internal/geodb"
	"github.com/curtisra-gif/timezoned/internal/metrics"
	"github.com/curtisra-gif/timezoned/internal/refresh"
	"github.com/curtisra-gif/timezoned/internal/server"
	"github.com/curtisra-gif/timezoned/internal/tzdb"
)

var logger *zap.Logger

func initLogger() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(os.Getenv("TZD_LOG")) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	}

	var err error
	logger, err = cfg.Build()
	if err != nil {
		panic(err)
	}
}

func main() {
	_ = godotenv.Load(".env")

	initLogger()
	defer logger.Sync() // Flushes buffer before exit

	logger.Info("initializing")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.RateLimit == 0 {
		logger.Warn("rate-limiting is disabled")
	}

	timezones := loadTimezones(cfg)
	geoip := loadGeoIP(cfg)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	tzRefresh := refresh.NewRunner("timezone", cfg.TZRefreshScript, nil,
		cfg.TZRefreshPeriod, modTimeOrZero(cfg.PosixinfoPath()), logger)
	geoipRefresh := refresh.NewRunner("geoip", cfg.GeoIPRefreshScript, []string{cfg.GeoIPURL},
		cfg.GeoIPRefreshPeriod, modTimeOrZero(cfg.MMDBPath()), logger)

	srv, err := server.New(cfg, timezones, geoip, tzRefresh, geoipRefresh, logger)
	if err != nil {
		logger.Fatal("failed to bind UDP socket", zap.String("addr", cfg.ListenAddr()), zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server has shut down")
}

// loadTimezones loads the timezone dataset, running one synchronous
// refresh first if nothing usable is on disk. The server cannot accept
// requests without it, so failure here is fatal.
func loadTimezones(cfg *config.Config) *tzdb.DB {
	db, err := tzdb.Load(cfg.PosixinfoPath(), cfg.ZoneTabPath(), logger)
	if err == nil {
		return db
	}
	logger.Warn("could not load timezone database", zap.Error(err))
	logger.Warn("timezone database must first be loaded before the server can accept requests")
	if err := refresh.RunScript(cfg.TZRefreshScript); err != nil {
		logger.Fatal("timezone database refresh failed", zap.Error(err))
	}
	db, err = tzdb.Load(cfg.PosixinfoPath(), cfg.ZoneTabPath(), logger)
	if err != nil {
		logger.Fatal("could not initialize timezone database", zap.Error(err))
	}
	return db
}

// loadGeoIP opens the GeoIP database if present. Absence degrades to
// "every GEOIP request fails" rather than aborting the server.
func loadGeoIP(cfg *config.Config) *geodb.Resolver {
	resolver, err := geodb.Open(cfg.MMDBPath())
	if err == nil {
		return resolver
	}
	logger.Warn("could not load GeoIP database", zap.Error(err))
	if cfg.GeoIPURL != "" {
		logger.Warn("until the GeoIP database is loaded, every GeoIP request will fail")
	} else {
		logger.Warn("GeoIP database refresh is disabled, every GeoIP request will fail")
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", zap.Error(err))
	}
}

func modTimeOrZero(path string) time.Time {
	t, ok := refresh.ModTime(path)
	if !ok {
		return time.Time{}
	}
	return t
}
