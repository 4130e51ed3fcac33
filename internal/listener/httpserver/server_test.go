package httpserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ipswamp/honeypot/internal/event"
)

// collector is a thread-safe emit sink for tests.
type collector struct {
	mu  sync.Mutex
	obs []event.Observation
}

func (c *collector) emit(o event.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs = append(c.obs, o)
}

func (c *collector) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.obs))
	for i, o := range c.obs {
		out[i] = o.Kind
	}
	return out
}

func newTestServer(diag http.Handler) (*Server, *collector) {
	c := &collector{}
	s := New(Options{Name: "http", Port: 8080, Diagnostics: diag}, c.emit, zerolog.Nop())
	return s, c
}

func get(t *testing.T, h http.Handler, target, ua string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "1.2.3.4:50000"
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSQLInjectionDetected(t *testing.T) {
	s, c := newTestServer(nil)
	get(t, s.Handler(), "/search?q="+url.QueryEscape("' OR 1=1--"), "")

	kinds := c.kinds()
	if len(kinds) != 1 || kinds[0] != "sql_injection" {
		t.Fatalf("kinds = %v, want [sql_injection]", kinds)
	}
}

func TestDetectionOrder(t *testing.T) {
	s, c := newTestServer(nil)
	// A suspicious endpoint with an XSS payload: endpoint rule wins.
	get(t, s.Handler(), "/admin?x=<script>alert(1)</script>", "")
	kinds := c.kinds()
	if len(kinds) != 1 || kinds[0] != "suspicious_endpoint" {
		t.Fatalf("kinds = %v, want [suspicious_endpoint]", kinds)
	}
}

func TestScannerUserAgent(t *testing.T) {
	s, c := newTestServer(nil)
	get(t, s.Handler(), "/", "sqlmap/1.7#stable")
	kinds := c.kinds()
	if len(kinds) != 1 || kinds[0] != "scanner_user_agent" {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestPathTraversal(t *testing.T) {
	s, c := newTestServer(nil)
	get(t, s.Handler(), "/files?name=../../etc/passwd", "")
	kinds := c.kinds()
	if len(kinds) != 1 || kinds[0] != "path_traversal" {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestSystemPathsExcluded(t *testing.T) {
	diag := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s, c := newTestServer(diag)

	for _, path := range []string{"/monitor", "/api-diagnostics", "/test-heartbeat", "/debug"} {
		// Even a hostile query on a system path must not produce events.
		w := get(t, s.Handler(), path+"?q="+url.QueryEscape("' OR 1=1--"), "sqlmap")
		if w.Code == http.StatusNotFound {
			t.Errorf("%s fell through to the 404 handler", path)
		}
	}
	if kinds := c.kinds(); len(kinds) != 0 {
		t.Fatalf("system paths produced observations: %v", kinds)
	}
}

func TestLoginAlwaysFailsAndTracksBruteforce(t *testing.T) {
	s, c := newTestServer(nil)

	for i := 0; i < 3; i++ {
		form := url.Values{"username": {fmt.Sprintf("user%d", i)}, "password": {"hunter2"}}
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "9.9.9.9:40000"
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("login attempt %d returned %d, want 401", i, w.Code)
		}
	}

	found := false
	for _, k := range c.kinds() {
		if k == "http_bruteforce" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no bruteforce observation after 3 failures: %v", c.kinds())
	}
}

func TestExcessive404(t *testing.T) {
	s, c := newTestServer(nil)
	for i := 0; i <= notFoundThreshold+1; i++ {
		w := get(t, s.Handler(), fmt.Sprintf("/missing-%d", i), "")
		if w.Code != http.StatusNotFound {
			t.Fatalf("missing path returned %d", w.Code)
		}
	}

	n := 0
	for _, k := range c.kinds() {
		if k == "excessive_404" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("excessive_404 fired %d times, want once per window", n)
	}
}

func TestIndexServed(t *testing.T) {
	s, c := newTestServer(nil)
	w := get(t, s.Handler(), "/", "Mozilla/5.0")
	if w.Code != http.StatusOK {
		t.Fatalf("index returned %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Partner") {
		t.Error("index body missing lure content")
	}
	if len(c.kinds()) != 0 {
		t.Errorf("benign request produced observations: %v", c.kinds())
	}
}
