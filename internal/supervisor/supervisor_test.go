package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipswamp/honeypot/internal/config"
	"github.com/ipswamp/honeypot/internal/event"
)

// backend is a fake scoring API capturing report payloads.
type backend struct {
	mu      sync.Mutex
	reports []map[string]any
	srv     *httptest.Server
}

func newBackend(t *testing.T) *backend {
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/honeypot/report-ip":
			body, _ := io.ReadAll(r.Body)
			var m map[string]any
			_ = json.Unmarshal(body, &m)
			b.mu.Lock()
			b.reports = append(b.reports, m)
			b.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case "/honeypot/heartbeat", "/ping":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reports)
}

func (b *backend) waitForReports(t *testing.T, n int, timeout time.Duration) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.count() >= n {
			b.mu.Lock()
			defer b.mu.Unlock()
			out := make([]map[string]any, len(b.reports))
			copy(out, b.reports)
			return out
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("backend received %d reports, want %d", b.count(), n)
	return nil
}

func testSupervisor(t *testing.T, mutate func(*config.Config)) (*Supervisor, *backend) {
	t.Helper()
	b := newBackend(t)

	cfg := config.DefaultConfig()
	cfg.APIEndpoint = b.srv.URL
	cfg.APIKey = "test-key"
	cfg.LogDir = t.TempDir()
	cfg.KeysDir = t.TempDir()
	cfg.EnableHTTP = false
	cfg.EnableSSH = false
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(&cfg, zerolog.Nop(), zerolog.Nop(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, b
}

func sqliObservation(ip string) event.Observation {
	return event.Observation{
		SourceIP:    ip,
		Protocol:    "http",
		Kind:        "sql_injection",
		Description: "SQL injection pattern in request",
		Evidence:    []string{`{"path":"/search","query":"q=' OR 1=1--"}`},
		At:          time.Now().UTC(),
	}
}

func TestPipelineReportsAdmittedAttack(t *testing.T) {
	s, b := testSupervisor(t, nil)

	s.HandleObservation(sqliObservation("1.2.3.4"))

	reports := b.waitForReports(t, 1, 3*time.Second)
	rep := reports[0]
	if rep["attack_type"] != "sqli_attempt" {
		t.Errorf("attack_type = %v", rep["attack_type"])
	}
	if rep["category"] != "injection" {
		t.Errorf("category = %v", rep["category"])
	}
	if sev, _ := rep["severity"].(float64); sev < 4 {
		t.Errorf("severity = %v, want >= 4", rep["severity"])
	}
	if rep["ip_address"] != "1.2.3.4" {
		t.Errorf("ip_address = %v", rep["ip_address"])
	}
	if _, ok := rep["evidence"].([]any); !ok {
		t.Errorf("evidence not a sequence: %T", rep["evidence"])
	}
	if rep["source"] != "honeypot" {
		t.Errorf("source = %v", rep["source"])
	}
}

func TestDuplicateSuppressedWithUniqueTypesOnly(t *testing.T) {
	s, b := testSupervisor(t, func(c *config.Config) {
		c.ReportUniqueTypesOnly = true
	})

	s.HandleObservation(sqliObservation("1.2.3.4"))
	b.waitForReports(t, 1, 3*time.Second)

	s.HandleObservation(sqliObservation("1.2.3.4"))
	time.Sleep(300 * time.Millisecond)
	if got := b.count(); got != 1 {
		t.Fatalf("backend received %d reports, want 1 (duplicate suppressed)", got)
	}
}

func TestThrottleCapAcrossRepeats(t *testing.T) {
	s, b := testSupervisor(t, func(c *config.Config) {
		c.MaxReportsPerIP = 2
	})

	for i := 0; i < 6; i++ {
		s.HandleObservation(sqliObservation("9.9.9.9"))
	}
	b.waitForReports(t, 2, 3*time.Second)
	time.Sleep(300 * time.Millisecond)
	if got := b.count(); got != 2 {
		t.Fatalf("backend received %d reports, want cap of 2", got)
	}
}

func TestMonitorEndpoint(t *testing.T) {
	s, _ := testSupervisor(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/monitor", nil)
	w := httptest.NewRecorder()
	s.diagnosticsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/monitor status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	hp, _ := body["honeypot"].(map[string]any)
	if hp == nil {
		t.Fatal("no honeypot object")
	}
	if hp["id"] != "test" {
		t.Errorf("id = %v", hp["id"])
	}
	apiObj, _ := hp["api"].(map[string]any)
	if apiObj == nil || apiObj["offlineMode"] != false {
		t.Errorf("api = %v", hp["api"])
	}
}

func TestDebugEndpointsGated(t *testing.T) {
	s, _ := testSupervisor(t, nil)

	for _, path := range []string{"/api-diagnostics", "/offline-attacks", "/debug"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.diagnosticsHandler().ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d without debug mode", path, w.Code)
		}
	}

	s2, _ := testSupervisor(t, func(c *config.Config) { c.DebugMode = true })
	req := httptest.NewRequest(http.MethodGet, "/api-diagnostics", nil)
	w := httptest.NewRecorder()
	s2.diagnosticsHandler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("/api-diagnostics status = %d in debug mode", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["cache"] == nil || body["heartbeat"] == nil {
		t.Errorf("diagnostics missing sections: %v", body)
	}
}

func TestOfflineModeSpools(t *testing.T) {
	s, b := testSupervisor(t, func(c *config.Config) {
		c.OfflineMode = true
	})

	for _, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		s.HandleObservation(sqliObservation(ip))
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.spool.Count() < 3 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := s.spool.Count(); got != 3 {
		t.Fatalf("spool count = %d, want 3", got)
	}
	if b.count() != 0 {
		t.Fatalf("offline mode sent %d reports", b.count())
	}
}

func TestRunWithNoModulesStopsCleanly(t *testing.T) {
	s, _ := testSupervisor(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(shutdownGrace + 5*time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunFailsWhenOnlyListenerCannotBind(t *testing.T) {
	// Occupy a port so the only enabled listener cannot bind it.
	blocker, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer blocker.Close()
	port := blocker.Addr().(*net.TCPAddr).Port

	s, _ := testSupervisor(t, func(c *config.Config) {
		c.EnableSSH = true
		c.SSHPort = port
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Run(ctx); err == nil {
		t.Fatal("expected startup failure when the only listener cannot bind")
	}
}
