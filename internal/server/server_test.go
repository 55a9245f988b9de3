package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/curtisra-gif/timezoned/internal/clients"
	"github.com/curtisra-gif/timezoned/internal/config"
	"github.com/curtisra-gif/timezoned/internal/refresh"
	"github.com/curtisra-gif/timezoned/internal/tzdb"
)

const testPosixinfo = `America/New_York EST5EDT,M3.2.0,M11.1.0
America/Chicago CST6CDT,M3.2.0,M11.1.0
Europe/London GMT0BST,M3.5.0/1,M10.5.0
`

const testZoneTab = `#country-codes	coordinates	TZ
US	+404251-0740023	America/New_York
US	+415100-0873900	America/Chicago
GB	+513030-0000731	Europe/London
`

func testDB(t *testing.T) *tzdb.DB {
	t.Helper()
	dir := t.TempDir()
	posixinfo := filepath.Join(dir, "posixinfo")
	zoneTab := filepath.Join(dir, "zone1970.tab")
	if err := os.WriteFile(posixinfo, []byte(testPosixinfo), 0o644); err != nil {
		t.Fatalf("write posixinfo: %v", err)
	}
	if err := os.WriteFile(zoneTab, []byte(testZoneTab), 0o644); err != nil {
		t.Fatalf("write zone1970.tab: %v", err)
	}
	db, err := tzdb.Load(posixinfo, zoneTab, zap.NewNop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return db
}

func testServer(t *testing.T) *Server {
	t.Helper()
	return &Server{
		cfg:       &config.Config{},
		log:       zap.NewNop(),
		timezones: testDB(t),
		tracker:   clients.New(0),
	}
}

func TestRespondOlson(t *testing.T) {
	s := testServer(t)

	resp := s.respond(tzdb.Normalize(" america/new_york "), nil)
	want := "OK America/New_York EST5EDT,M3.2.0,M11.1.0"
	if string(resp) != want {
		t.Errorf("got %q, want %q", resp, want)
	}

	resp = s.respond(tzdb.Normalize("Mars/Olympus_Mons"), nil)
	if string(resp) != "ERROR Timezone Not Found" {
		t.Errorf("got %q", resp)
	}
}

func TestRespondCountry(t *testing.T) {
	s := testServer(t)

	resp := s.respond(tzdb.Normalize("gb"), nil)
	want := "OK Europe/London GMT0BST,M3.5.0/1,M10.5.0"
	if string(resp) != want {
		t.Errorf("got %q, want %q", resp, want)
	}

	resp = s.respond(tzdb.Normalize("us"), nil)
	if string(resp) != "ERROR Country Spans Multiple Timezones" {
		t.Errorf("got %q", resp)
	}

	resp = s.respond(tzdb.Normalize("ZZ"), nil)
	if string(resp) != "ERROR Country Not Found" {
		t.Errorf("got %q", resp)
	}
}

func TestRespondGeoIPUnavailable(t *testing.T) {
	s := testServer(t)

	// No resolver loaded: every GEOIP request fails, indefinitely.
	for i := 0; i < 3; i++ {
		resp := s.respond("GEOIP", net.ParseIP("192.0.2.1"))
		if string(resp) != "ERROR GeoIP Lookup Failed" {
			t.Fatalf("got %q", resp)
		}
	}
}

func TestFailedRefreshKeepsServing(t *testing.T) {
	s := testServer(t)
	s.tzRefresh = refresh.NewRunner("timezone", "true", nil, time.Hour, time.Now(), zap.NewNop())
	before := s.timezones

	s.finishTZRefresh(errors.New("exit status 1"))
	if s.timezones != before {
		t.Fatal("failed refresh must keep the previous dataset")
	}
	resp := s.respond("EUROPE/LONDON", nil)
	if !bytes.HasPrefix(resp, []byte("OK Europe/London ")) {
		t.Errorf("previous dataset must keep answering, got %q", resp)
	}
}

func TestRefreshRebuildFailureKeepsServing(t *testing.T) {
	s := testServer(t)
	s.tzRefresh = refresh.NewRunner("timezone", "true", nil, time.Hour, time.Now(), zap.NewNop())
	// Empty config paths: the post-job rebuild cannot succeed.
	before := s.timezones

	s.finishTZRefresh(nil)
	if s.timezones != before {
		t.Fatal("failed rebuild must keep the previous dataset")
	}
}

// startTestServer runs a full dispatcher on a loopback socket.
func startTestServer(t *testing.T, rateLimit time.Duration) (*Server, *net.UDPConn) {
	t.Helper()
	cfg := &config.Config{
		Host:              "127.0.0.1",
		Port:              0,
		RateLimit:         rateLimit,
		ClientPrunePeriod: time.Hour,
	}
	log := zap.NewNop()
	tzRefresh := refresh.NewRunner("timezone", "true", nil, time.Hour, time.Now(), log)
	geoipRefresh := refresh.NewRunner("geoip", "true", nil, time.Hour, time.Now(), log)

	srv, err := New(cfg, testDB(t), nil, tzRefresh, geoipRefresh, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.conn.Close()
		<-done
	})

	client, err := net.DialUDP("udp", nil, srv.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func exchange(t *testing.T, client *net.UDPConn, req []byte) (string, bool) {
	t.Helper()
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 1024)
	_ = client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	n, err := client.Read(buf)
	if err != nil {
		return "", false
	}
	return string(buf[:n]), true
}

func TestServeLookup(t *testing.T) {
	_, client := startTestServer(t, 0)

	resp, ok := exchange(t, client, []byte(" america/new_york "))
	if !ok {
		t.Fatal("expected a response")
	}
	if resp != "OK America/New_York EST5EDT,M3.2.0,M11.1.0" {
		t.Errorf("got %q", resp)
	}

	resp, ok = exchange(t, client, []byte("us"))
	if !ok {
		t.Fatal("expected a response")
	}
	if resp != "ERROR Country Spans Multiple Timezones" {
		t.Errorf("got %q", resp)
	}
}

func TestServeDropsOversized(t *testing.T) {
	_, client := startTestServer(t, 0)

	if _, ok := exchange(t, client, bytes.Repeat([]byte("A"), MaxRequestSize)); ok {
		t.Fatal("a max-size datagram must get no response")
	}

	// The server is still alive for well-formed requests.
	if _, ok := exchange(t, client, []byte("GB")); !ok {
		t.Fatal("expected a response after the oversized drop")
	}
}

func TestServeDropsInvalidUTF8(t *testing.T) {
	_, client := startTestServer(t, 0)

	if _, ok := exchange(t, client, []byte{0xff, 0xfe, 0xfd}); ok {
		t.Fatal("an invalid UTF-8 datagram must get no response")
	}
}

func TestServeRateLimits(t *testing.T) {
	_, client := startTestServer(t, 2*time.Second)

	if _, ok := exchange(t, client, []byte("GB")); !ok {
		t.Fatal("first request must be answered")
	}
	if _, ok := exchange(t, client, []byte("GB")); ok {
		t.Fatal("request inside the rate-limit window must be dropped")
	}
}
