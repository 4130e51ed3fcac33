package listener

import (
	"context"
	"sync"
	"time"
)

const (
	bruteforceThreshold  = 3
	bruteforceReportGap  = 60 * time.Second
	bruteforceEntryIdle  = time.Hour
	trackerSweepInterval = 5 * time.Minute

	rapidConnWindow    = 60 * time.Second
	rapidConnThreshold = 3
	rapidConnReportGap = 120 * time.Second
)

// authEntry accumulates authentication attempts from one source address.
type authEntry struct {
	attempts    int
	usernames   map[string]struct{}
	lastAttempt time.Time
	lastReport  time.Time
}

// AuthTracker implements the bruteforce rule: three or more attempts from
// one source, reported at most once per minute. Entries idle for an hour
// are purged by a five-minute sweep.
type AuthTracker struct {
	mu      sync.Mutex
	entries map[string]*authEntry
}

// NewAuthTracker creates an empty tracker.
func NewAuthTracker() *AuthTracker {
	return &AuthTracker{entries: make(map[string]*authEntry)}
}

// BruteforceHit is the detail attached when the rule fires.
type BruteforceHit struct {
	Attempts  int      `json:"attempts"`
	Usernames []string `json:"usernames"`
}

// Record notes one auth attempt and reports whether the bruteforce rule
// fires now.
func (t *AuthTracker) Record(sourceIP, username string) (BruteforceHit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	e, ok := t.entries[sourceIP]
	if !ok {
		e = &authEntry{usernames: make(map[string]struct{})}
		t.entries[sourceIP] = e
	}
	e.attempts++
	if username != "" {
		e.usernames[username] = struct{}{}
	}
	e.lastAttempt = now

	if e.attempts >= bruteforceThreshold && now.Sub(e.lastReport) >= bruteforceReportGap {
		e.lastReport = now
		names := make([]string, 0, len(e.usernames))
		for u := range e.usernames {
			names = append(names, u)
		}
		return BruteforceHit{Attempts: e.attempts, Usernames: names}, true
	}
	return BruteforceHit{}, false
}

// Attempts returns the attempt count recorded for a source.
func (t *AuthTracker) Attempts(sourceIP string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[sourceIP]; ok {
		return e.attempts
	}
	return 0
}

// RunSweep purges idle entries every five minutes until ctx is done.
func (t *AuthTracker) RunSweep(ctx context.Context) {
	tick := time.NewTicker(trackerSweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.sweep(time.Now())
		}
	}
}

func (t *AuthTracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, e := range t.entries {
		if now.Sub(e.lastAttempt) > bruteforceEntryIdle {
			delete(t.entries, ip)
		}
	}
}

// connEntry holds recent connection times from one source address.
type connEntry struct {
	times      []time.Time
	lastReport time.Time
}

// ConnTracker implements the rapid-connection rule: three or more connects
// within sixty seconds, reported at most once per two minutes.
type ConnTracker struct {
	mu      sync.Mutex
	entries map[string]*connEntry
}

// NewConnTracker creates an empty tracker.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{entries: make(map[string]*connEntry)}
}

// Connect notes one accepted connection and reports whether the rule fires
// now, together with the in-window connection count.
func (t *ConnTracker) Connect(sourceIP string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	e, ok := t.entries[sourceIP]
	if !ok {
		e = &connEntry{}
		t.entries[sourceIP] = e
	}

	// Prune to the window before appending.
	cutoff := now.Add(-rapidConnWindow)
	kept := e.times[:0]
	for _, ts := range e.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.times = append(kept, now)

	if len(e.times) >= rapidConnThreshold && now.Sub(e.lastReport) >= rapidConnReportGap {
		e.lastReport = now
		return len(e.times), true
	}
	return len(e.times), false
}

// RunSweep drops sources with no in-window connections, on the shared
// tracker cadence.
func (t *ConnTracker) RunSweep(ctx context.Context) {
	tick := time.NewTicker(trackerSweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.sweep(time.Now())
		}
	}
}

func (t *ConnTracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now.Add(-rapidConnWindow)
	for ip, e := range t.entries {
		live := false
		for _, ts := range e.times {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(t.entries, ip)
		}
	}
}
