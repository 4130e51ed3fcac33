package supervisor

import (
	"encoding/json"
	"net/http"
	"time"
)

// diagnosticsHandler builds the HTTP surface mounted on the system paths of
// the HTTP listener. These paths never feed detection.
func (s *Supervisor) diagnosticsHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/monitor", s.handleMonitor)
	mux.HandleFunc("/test-heartbeat", s.handleTestHeartbeat)
	mux.HandleFunc("/api-diagnostics", s.debugOnly(s.handleAPIDiagnostics))
	mux.HandleFunc("/offline-attacks", s.debugOnly(s.handleOfflineAttacks))
	mux.HandleFunc("/upload-offline-attacks", s.debugOnly(s.handleUploadOfflineAttacks))
	mux.HandleFunc("/debug", s.debugOnly(s.handleDebug))

	return mux
}

// debugOnly gates an endpoint behind debug mode.
func (s *Supervisor) debugOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.DebugMode {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "endpoint available in debug mode only",
			})
			return
		}
		next(w, r)
	}
}

// handleMonitor reports identity, uptime, API state and module status.
func (s *Supervisor) handleMonitor(w http.ResponseWriter, r *http.Request) {
	var lastHeartbeat any
	if ts := s.client.Diag().LastSuccess(); !ts.IsZero() {
		lastHeartbeat = ts
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"honeypot": map[string]any{
			"id":      s.cfg.HoneypotID,
			"version": Version,
			"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
			"api": map[string]any{
				"endpoint":      s.cfg.APIEndpoint,
				"lastHeartbeat": lastHeartbeat,
				"offlineMode":   s.cfg.OfflineMode,
			},
			"modules": s.moduleStatuses(),
		},
	})
}

// handleTestHeartbeat triggers one heartbeat and returns its outcome.
func (s *Supervisor) handleTestHeartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.heartbeat.Beat(r.Context()))
}

// handleAPIDiagnostics exposes configuration, heartbeat state, cache and
// spool statistics. With ?ip=A the backend's score for that address is
// included.
func (s *Supervisor) handleAPIDiagnostics(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"config": map[string]any{
			"endpoint":                 s.cfg.APIEndpoint,
			"honeypot_id":              s.cfg.HoneypotID,
			"offline_mode":             s.cfg.OfflineMode,
			"max_reports_per_ip":       s.cfg.MaxReportsPerIP,
			"ip_cache_ttl_ms":          s.cfg.IPCacheTTL.Milliseconds(),
			"report_unique_types_only": s.cfg.ReportUniqueTypesOnly,
			"store_throttled_attacks":  s.cfg.StoreThrottledAttacks,
		},
		"heartbeat": s.client.Diag().Snapshot(),
		"cache":     s.cache.Snapshot(),
		"spool": map[string]any{
			"pending":                     s.spool.Count(),
			"consecutive_report_failures": s.reporter.ConsecutiveFailures(),
		},
	}
	if s.arch != nil {
		if stats, err := s.arch.Summary(); err == nil {
			out["archive"] = stats
		}
	}
	if ip := r.URL.Query().Get("ip"); ip != "" {
		if score, err := s.client.Lookup(r.Context(), ip); err != nil {
			out["lookup"] = map[string]string{"ip": ip, "error": err.Error()}
		} else {
			out["lookup"] = score
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleOfflineAttacks lists the spooled entries and recent archive rows.
func (s *Supervisor) handleOfflineAttacks(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"pending": s.spool.Pending(),
	}
	if s.arch != nil {
		if recent, err := s.arch.Recent(100); err == nil {
			out["archive"] = recent
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUploadOfflineAttacks triggers a replay pass.
func (s *Supervisor) handleUploadOfflineAttacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	uploaded, remaining := s.reporter.ReplayOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{
		"uploaded":  uploaded,
		"remaining": remaining,
	})
}

// handleDebug reports process-level details.
func (s *Supervisor) handleDebug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"started_at": s.startedAt,
		"uptime":     time.Since(s.startedAt).String(),
		"modules":    s.moduleStatuses(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
