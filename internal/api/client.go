// Package api implements the backend client: heartbeat scheduling, report
// delivery, the ping probe, and the offline spool with replay.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipswamp/honeypot/internal/event"
)

const (
	reportTimeout    = 5 * time.Second
	heartbeatTimeout = 10 * time.Second
	pingTimeout      = 5 * time.Second
)

// Client talks to the scoring backend.
type Client struct {
	endpoint   string
	apiKey     string
	honeypotID string
	http       *http.Client
	log        zerolog.Logger

	diag *Diagnostics
}

// NewClient creates a backend client. The endpoint is the API base URL.
func NewClient(endpoint, apiKey, honeypotID string, log zerolog.Logger) *Client {
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		honeypotID: honeypotID,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    5,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		log:  log,
		diag: NewDiagnostics(),
	}
}

// Diag exposes the heartbeat diagnostic record.
func (c *Client) Diag() *Diagnostics { return c.diag }

// reportPayload is the report-ip body. Evidence is always a string slice.
type reportPayload struct {
	IPAddress   string   `json:"ip_address"`
	AttackType  string   `json:"attack_type"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
	Severity    int      `json:"severity"`
	Category    string   `json:"category"`
	Source      string   `json:"source"`
}

// Report delivers one canonical attack record. Any transport error or
// non-2xx status is returned; the caller decides about spooling.
func (c *Client) Report(ctx context.Context, rec event.Record) error {
	payload := reportPayload{
		IPAddress:   rec.SourceIP,
		AttackType:  rec.Type,
		Description: rec.Description,
		Evidence:    event.NormalizeEvidence(rec.Evidence),
		Severity:    rec.Severity,
		Category:    rec.Category,
		Source:      "honeypot",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	u := c.endpoint + "/honeypot/report-ip?api_key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("report request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusForbidden {
			c.log.Warn().Str("type", rec.Type).
				Msg("report rejected with 403, check API key permissions")
		}
		return fmt.Errorf("report returned %d: %s", resp.StatusCode, string(respBody))
	}

	c.log.Debug().Str("type", rec.Type).Str("ip", rec.SourceIP).Msg("report delivered")
	return nil
}

// Heartbeat sends one liveness signal and updates the diagnostic record.
func (c *Client) Heartbeat(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"honeypot_id": c.honeypotID})

	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()

	u := c.endpoint + "/honeypot/heartbeat?api_key=" + url.QueryEscape(c.apiKey)
	c.diag.RecordRequest(u, http.MethodPost, string(body), c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.diag.RecordFailure(classifyConnectivityError(err)+": "+err.Error(), 0, "")
		return fmt.Errorf("heartbeat request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.diag.RecordFailure("heartbeat rejected", resp.StatusCode, string(respBody))
		return fmt.Errorf("heartbeat returned %d: %s", resp.StatusCode, string(respBody))
	}

	c.diag.RecordSuccess(resp.StatusCode, string(respBody), resp.Header)
	return nil
}

// PingResult is the structured outcome of a ping probe.
type PingResult struct {
	OK        bool          `json:"ok"`
	Status    int           `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMS int64         `json:"elapsed_ms"`
}

// Ping probes backend reachability. It never returns an error; failures are
// reported in the result.
func (c *Client) Ping(ctx context.Context) PingResult {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	u := c.endpoint + "/ping?api_key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return PingResult{Error: err.Error()}
	}

	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.log.Warn().Str("cause", classifyConnectivityError(err)).Err(err).Msg("ping probe failed")
		return PingResult{Error: err.Error(), Elapsed: elapsed, ElapsedMS: elapsed.Milliseconds()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	return PingResult{OK: ok, Status: resp.StatusCode, Elapsed: elapsed, ElapsedMS: elapsed.Milliseconds()}
}

// Lookup queries the backend's score for an address. Diagnostics only.
func (c *Client) Lookup(ctx context.Context, ip string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	u := c.endpoint + "/get?api_key=" + url.QueryEscape(c.apiKey) + "&ip=" + url.QueryEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create lookup request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read lookup response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookup returned %d: %s", resp.StatusCode, string(body))
	}
	return json.RawMessage(body), nil
}

// classifyConnectivityError returns a short cause tag for a transport error.
func classifyConnectivityError(err error) string {
	if err == nil {
		return "ok"
	}
	msg := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "dns_not_found"
		}
		return "dns_error"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(msg, "connection refused") {
			return "server_down"
		}
		if strings.Contains(msg, "no route to host") || strings.Contains(msg, "network is unreachable") {
			return "network_down"
		}
	}

	if os.IsTimeout(err) || strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "context deadline") {
		return "timeout"
	}
	if strings.Contains(msg, "tls:") || strings.Contains(msg, "certificate") {
		return "tls_error"
	}
	return "unknown"
}
