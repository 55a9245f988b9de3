// Package server implements the UDP dispatcher: one event loop owning
// the socket, the live dataset handles, the client tracker, and both
// refresh runners.
package server

import (
	"context"
	"net"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/curtisra-gif/timezoned/internal/clients"
	"github.com/curtisra-gif/timezoned/internal/config"
	"github.com/curtisra-gif/timezoned/internal/geodb"
	"github.com/curtisra-gif/timezoned/internal/metrics"
	"github.com/curtisra-gif/timezoned/internal/refresh"
	"github.com/curtisra-gif/timezoned/internal/tzdb"
)

// MaxRequestSize is the largest datagram accepted. A datagram of
// exactly this size is treated as truncated or abusive and dropped.
const MaxRequestSize = 512

var (
	errTimezoneNotFound     = []byte("ERROR Timezone Not Found")
	errGeoIPLookupFailed    = []byte("ERROR GeoIP Lookup Failed")
	errCountryNotFound      = []byte("ERROR Country Not Found")
	errCountrySpansMultiple = []byte("ERROR Country Spans Multiple Timezones")
)

type packet struct {
	data []byte
	addr *net.UDPAddr
}

// Server is the dispatcher. The live tzdb and geodb handles are read
// and replaced only on the Run goroutine, so no locking is needed;
// refresh jobs report back through the runners' Done channels.
type Server struct {
	cfg  *config.Config
	log  *zap.Logger
	conn *net.UDPConn

	timezones *tzdb.DB
	geoip     *geodb.Resolver // nil while unavailable
	tracker   *clients.Tracker

	tzRefresh    *refresh.Runner
	geoipRefresh *refresh.Runner

	packets chan packet
}

// New binds the UDP socket and assembles the dispatcher. The geoip
// resolver may be nil; GEOIP requests then fail until a refresh
// produces a loadable database.
func New(cfg *config.Config, timezones *tzdb.DB, geoip *geodb.Resolver, tzRefresh, geoipRefresh *refresh.Runner, log *zap.Logger) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr())
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:          cfg,
		log:          log,
		conn:         conn,
		timezones:    timezones,
		geoip:        geoip,
		tracker:      clients.New(cfg.RateLimit),
		tzRefresh:    tzRefresh,
		geoipRefresh: geoipRefresh,
		packets:      make(chan packet),
	}, nil
}

// Run drives the event loop until ctx is cancelled. Maintenance events
// (refresh ticks and completions, client pruning) are serviced before
// pending requests so a request flood cannot starve upkeep.
func (s *Server) Run(ctx context.Context) error {
	var pruneC <-chan time.Time
	if s.cfg.ClientPrunePeriod > 0 {
		prune := time.NewTicker(s.cfg.ClientPrunePeriod)
		defer prune.Stop()
		pruneC = prune.C
	}

	go s.readLoop(ctx)

	s.log.Info("server is listening", zap.String("addr", s.conn.LocalAddr().String()))

	for {
		// Maintenance first; fall through to requests only when no
		// maintenance event is ready.
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-s.tzRefresh.C():
			s.tzRefresh.Tick()
			continue
		case err := <-s.tzRefresh.Done():
			s.finishTZRefresh(err)
			continue
		case <-s.geoipRefresh.C():
			s.tickGeoIPRefresh()
			continue
		case err := <-s.geoipRefresh.Done():
			s.finishGeoIPRefresh(err)
			continue
		case now := <-pruneC:
			s.tracker.Prune(now)
			metrics.TrackedClients.Set(float64(s.tracker.Len()))
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-s.tzRefresh.C():
			s.tzRefresh.Tick()
		case err := <-s.tzRefresh.Done():
			s.finishTZRefresh(err)
		case <-s.geoipRefresh.C():
			s.tickGeoIPRefresh()
		case err := <-s.geoipRefresh.Done():
			s.finishGeoIPRefresh(err)
		case now := <-pruneC:
			s.tracker.Prune(now)
			metrics.TrackedClients.Set(float64(s.tracker.Len()))
		case p := <-s.packets:
			s.handlePacket(p)
		}
	}
}

// readLoop feeds received datagrams into the event loop. It exits when
// the socket is closed during shutdown.
func (s *Server) readLoop(ctx context.Context) {
	buf := make([]byte, MaxRequestSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("udp read failed", zap.Error(err))
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.packets <- packet{data: data, addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) shutdown() error {
	s.log.Info("server is shutting down")
	return s.conn.Close()
}

func (s *Server) tickGeoIPRefresh() {
	// No job when refresh is unconfigured; the schedule still advances.
	if s.cfg.GeoIPURL == "" {
		s.geoipRefresh.Skip()
		return
	}
	s.geoipRefresh.Tick()
}

func (s *Server) finishTZRefresh(err error) {
	s.tzRefresh.Finish()
	if err != nil {
		s.log.Error("timezone database refresh failed", zap.Error(err))
		metrics.RefreshTotal.WithLabelValues("timezone", "error").Inc()
		return
	}
	db, err := tzdb.Load(s.cfg.PosixinfoPath(), s.cfg.ZoneTabPath(), s.log)
	if err != nil {
		s.log.Error("timezone database refresh completed, but the new data could not be loaded", zap.Error(err))
		metrics.RefreshTotal.WithLabelValues("timezone", "load_error").Inc()
		return
	}
	s.timezones = db
	s.log.Info("timezone database refresh complete")
	metrics.RefreshTotal.WithLabelValues("timezone", "ok").Inc()
}

func (s *Server) finishGeoIPRefresh(err error) {
	s.geoipRefresh.Finish()
	if err != nil {
		s.log.Error("GeoIP database refresh failed", zap.Error(err))
		metrics.RefreshTotal.WithLabelValues("geoip", "error").Inc()
		return
	}
	resolver, err := geodb.Open(s.cfg.MMDBPath())
	if err != nil {
		s.log.Error("GeoIP database refresh completed, but the new data could not be loaded", zap.Error(err))
		metrics.RefreshTotal.WithLabelValues("geoip", "load_error").Inc()
		return
	}
	if s.geoip != nil {
		s.geoip.Close()
	}
	s.geoip = resolver
	s.log.Info("GeoIP database refresh complete")
	metrics.RefreshTotal.WithLabelValues("geoip", "ok").Inc()
}

func (s *Server) handlePacket(p packet) {
	// A full-size datagram is possibly truncated; never answer it.
	if len(p.data) == MaxRequestSize {
		metrics.DroppedTotal.WithLabelValues("oversized").Inc()
		return
	}
	if !utf8.Valid(p.data) {
		metrics.DroppedTotal.WithLabelValues("invalid_utf8").Inc()
		return
	}
	if !s.tracker.Allow(p.addr.IP.String(), time.Now()) {
		metrics.DroppedTotal.WithLabelValues("ratelimited").Inc()
		return
	}
	resp := s.respond(tzdb.Normalize(string(p.data)), p.addr.IP)
	if _, err := s.conn.WriteToUDP(resp, p.addr); err != nil {
		s.log.Warn("udp write failed", zap.String("addr", p.addr.String()), zap.Error(err))
	}
}

// respond routes a normalized request to the right lookup and encodes
// the response. Responses are fixed strings; the payload is never
// echoed back.
func (s *Server) respond(request string, src net.IP) []byte {
	if len(request) == 2 {
		tzs, found := s.timezones.LookupCountry(request)
		if !found || len(tzs) == 0 {
			metrics.RequestsTotal.WithLabelValues("country_not_found").Inc()
			return errCountryNotFound
		}
		if len(tzs) > 1 {
			metrics.RequestsTotal.WithLabelValues("country_spans_multiple").Inc()
			return errCountrySpansMultiple
		}
		metrics.RequestsTotal.WithLabelValues("ok").Inc()
		return ok(tzs[0])
	}

	if request == "GEOIP" {
		if s.geoip == nil {
			metrics.RequestsTotal.WithLabelValues("geoip_failed").Inc()
			return errGeoIPLookupFailed
		}
		name, found := s.geoip.TimezoneName(src)
		if !found {
			metrics.RequestsTotal.WithLabelValues("geoip_failed").Inc()
			return errGeoIPLookupFailed
		}
		tz, found := s.timezones.LookupOlson(tzdb.Normalize(name))
		if !found {
			metrics.RequestsTotal.WithLabelValues("geoip_failed").Inc()
			return errGeoIPLookupFailed
		}
		metrics.RequestsTotal.WithLabelValues("ok").Inc()
		return ok(tz)
	}

	tz, found := s.timezones.LookupOlson(request)
	if !found {
		metrics.RequestsTotal.WithLabelValues("timezone_not_found").Inc()
		return errTimezoneNotFound
	}
	metrics.RequestsTotal.WithLabelValues("ok").Inc()
	return ok(tz)
}

func ok(tz *tzdb.Timezone) []byte {
	return []byte("OK " + tz.Olson + " " + tz.Posix)
}
