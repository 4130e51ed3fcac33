// Package event defines the observation events emitted by listeners and
// the canonical attack records produced by classification.
package event

import (
	"encoding/json"
	"time"
)

// Observation is the raw detection output of a listener, before
// classification. Kind is free-form vocabulary local to the listener.
type Observation struct {
	SourceIP    string    `json:"source_ip"`
	SourcePort  int       `json:"source_port,omitempty"`
	Protocol    string    `json:"protocol"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Evidence    []string  `json:"evidence,omitempty"`
	At          time.Time `json:"at"`
}

// Metadata carries the enhancement trail attached during classification.
type Metadata struct {
	OriginalType string    `json:"original_type"`
	BaseScore    int       `json:"base_score"`
	EnhancedAt   time.Time `json:"enhanced_at"`
}

// Record is a classified, scored attack ready to report. Spooled records
// additionally carry StoredAt and PendingUpload.
type Record struct {
	ID          string   `json:"id,omitempty"`
	SourceIP    string   `json:"ip_address"`
	Type        string   `json:"attack_type"`
	Category    string   `json:"category"`
	Severity    int      `json:"severity"`
	BaseScore   int      `json:"base_score"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
	Metadata    Metadata `json:"metadata"`

	// Spool bookkeeping
	StoredAt      time.Time `json:"stored_at,omitempty"`
	PendingUpload bool      `json:"pending_upload,omitempty"`
	Throttled     bool      `json:"throttled,omitempty"`
}

// NormalizeEvidence coerces arbitrary evidence into an ordered sequence of
// strings, the only shape the backend accepts. Scalar strings wrap into a
// singleton; string slices pass through; anything else is JSON-serialized.
func NormalizeEvidence(v any) []string {
	switch ev := v.(type) {
	case nil:
		return []string{}
	case []string:
		if ev == nil {
			return []string{}
		}
		return ev
	case string:
		return []string{ev}
	case []any:
		out := make([]string, 0, len(ev))
		for _, item := range ev {
			if s, ok := item.(string); ok {
				out = append(out, s)
				continue
			}
			out = append(out, jsonString(item))
		}
		return out
	default:
		return []string{jsonString(v)}
	}
}

// JSONEvidence encodes a structured fact as one evidence entry.
func JSONEvidence(v any) string {
	return jsonString(v)
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "unserializable evidence"
	}
	return string(b)
}
