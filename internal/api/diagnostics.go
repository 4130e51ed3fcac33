package api

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// LastRequest captures the most recent heartbeat request, key redacted.
type LastRequest struct {
	URL    string    `json:"url"`
	Method string    `json:"method"`
	Body   string    `json:"body"`
	At     time.Time `json:"at"`
}

// LastResponse captures the most recent heartbeat response.
type LastResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
	At      time.Time         `json:"at"`
}

// LastError captures the most recent heartbeat failure.
type LastError struct {
	Message string    `json:"message"`
	Status  int       `json:"status,omitempty"`
	Body    string    `json:"body,omitempty"`
	At      time.Time `json:"at"`
}

// Diagnostics is the singleton heartbeat diagnostic record. The invariant:
// ConsecutiveFailures is zero iff the last send completed with a 2xx.
type Diagnostics struct {
	mu sync.Mutex

	lastRequest  *LastRequest
	lastResponse *LastResponse
	lastError    *LastError
	lastSuccess  time.Time
	failures     int
}

// NewDiagnostics creates an empty diagnostic record.
func NewDiagnostics() *Diagnostics { return &Diagnostics{} }

// RecordRequest notes an outgoing heartbeat. The API key is redacted from
// the stored URL.
func (d *Diagnostics) RecordRequest(url, method, body, apiKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if apiKey != "" {
		url = strings.ReplaceAll(url, apiKey, "[redacted]")
	}
	d.lastRequest = &LastRequest{URL: url, Method: method, Body: body, At: time.Now().UTC()}
}

// RecordSuccess notes a 2xx heartbeat response and resets the failure count.
func (d *Diagnostics) RecordSuccess(status int, body string, headers http.Header) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := make(map[string]string)
	for _, k := range []string{"Content-Type", "Date", "Server"} {
		if v := headers.Get(k); v != "" {
			h[k] = v
		}
	}
	d.lastResponse = &LastResponse{Status: status, Body: body, Headers: h, At: time.Now().UTC()}
	d.lastError = nil
	d.lastSuccess = time.Now().UTC()
	d.failures = 0
}

// RecordFailure notes a failed heartbeat and increments the failure count.
func (d *Diagnostics) RecordFailure(message string, status int, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastError = &LastError{Message: message, Status: status, Body: body, At: time.Now().UTC()}
	d.failures++
}

// ConsecutiveFailures returns the current failure streak.
func (d *Diagnostics) ConsecutiveFailures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures
}

// LastSuccess returns the time of the last 2xx heartbeat, zero if none.
func (d *Diagnostics) LastSuccess() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSuccess
}

// Snapshot returns a JSON-friendly view for the diagnostics surface.
func (d *Diagnostics) Snapshot() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := map[string]any{
		"consecutive_failures": d.failures,
	}
	if !d.lastSuccess.IsZero() {
		out["last_success"] = d.lastSuccess
	}
	if d.lastRequest != nil {
		out["last_request"] = *d.lastRequest
	}
	if d.lastResponse != nil {
		out["last_response"] = *d.lastResponse
	}
	if d.lastError != nil {
		out["last_error"] = *d.lastError
	}
	return out
}
