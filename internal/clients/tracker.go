// Package clients tracks recent requester IPs for rate limiting.
package clients

import "time"

// Tracker records the last accepted request time per source IP. It is
// owned by the server's event loop, so no locking is needed; the
// request path only reads and inserts, and deletion happens solely in
// the periodic prune pass.
type Tracker struct {
	window   time.Duration
	lastSeen map[string]time.Time
}

// New creates a tracker with the given rate-limit window. A zero
// window disables rate limiting: every request is accepted and no
// state is kept.
func New(window time.Duration) *Tracker {
	return &Tracker{
		window:   window,
		lastSeen: make(map[string]time.Time),
	}
}

// Allow reports whether a request from ip at time now should be
// accepted, recording now as the IP's last-seen time only on
// acceptance. The window is measured from the last accepted request,
// so a flood of rejected requests does not extend it.
func (t *Tracker) Allow(ip string, now time.Time) bool {
	if t.window == 0 {
		return true
	}
	if last, ok := t.lastSeen[ip]; ok && now.Sub(last) < t.window {
		return false
	}
	t.lastSeen[ip] = now
	return true
}

// Prune drops every entry at least one full window old. Runs only from
// the periodic prune timer, keeping the request path allocation-free.
func (t *Tracker) Prune(now time.Time) {
	for ip, last := range t.lastSeen {
		if now.Sub(last) >= t.window {
			delete(t.lastSeen, ip)
		}
	}
}

// Len is the number of tracked IPs.
func (t *Tracker) Len() int {
	return len(t.lastSeen)
}
